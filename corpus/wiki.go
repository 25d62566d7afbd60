// Package corpus turns MediaWiki XML dumps into plain text suitable for
// word-vector training.
package corpus

import (
	"bufio"
	"compress/bzip2"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

type page struct {
	Title string `xml:"title"`
	NS    int    `xml:"ns"`
	Text  string `xml:"revision>text"`
}

// markup is applied in order; later patterns assume earlier ones have run.
var markup = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`<!--[\s\S]*?-->`), ""},
	{regexp.MustCompile(`(?s)<ref[^>]*>.*?</ref>|<ref[^/]*/\s*>`), ""},
	{regexp.MustCompile(`(?s)\{\|.*?\|\}`), ""},
	{regexp.MustCompile(`\[\[(?:Category|Kategori|Kateqoriya|Категория|File|Image|Файл|Şəkil|Dosya):[^\]]*\]\]`), ""},
	{regexp.MustCompile(`\[\[(?:[^\]|]*\|)*([^\]|]*)\]\]`), "$1"},
	{regexp.MustCompile(`\[https?://[^\s\]]* ([^\]]*)\]`), "$1"},
	{regexp.MustCompile(`\[https?://[^\]]*\]`), ""},
	{regexp.MustCompile(`<[^>]+>`), ""},
	{regexp.MustCompile(`'{2,3}`), ""},
	{regexp.MustCompile(`(?m)^={2,6}\s*(.+?)\s*={2,6}\s*$`), "\n$1\n"},
	{regexp.MustCompile(`__[A-Z]+__`), ""},
	{regexp.MustCompile(`(?m)^[*#:;]+ *`), ""},
}

var (
	reTemplate  = regexp.MustCompile(`\{\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}\}`)
	reSpaces    = regexp.MustCompile(`[ \t]{2,}`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
)

var redirects = []string{"#REDIRECT", "#ПЕРЕНАПРАВЛЕНИЕ", "#YÖNLENDİRME", "#YÖNLENDIRME", "#İSTİQAMƏTLƏNDİRMƏ"}

// CleanWikitext strips wiki markup from an article body. Redirect pages
// clean to the empty string.
func CleanWikitext(text string) string {
	upper := strings.ToUpper(text)
	for _, r := range redirects {
		if strings.HasPrefix(upper, r) {
			return ""
		}
	}

	s := text
	// nested templates need repeated passes, innermost first
	for i := 0; i < 5; i++ {
		next := reTemplate.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	for _, m := range markup {
		s = m.re.ReplaceAllString(s, m.repl)
	}
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = reSpaces.ReplaceAllString(s, " ")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// ExtractOptions bounds an extraction run.
type ExtractOptions struct {
	MaxBytes int64 // stop once this much text was written; 0 means no limit
	MinChars int   // skip articles shorter than this after cleaning
	Bzip2    bool  // the input is bzip2 compressed
}

// Stats summarizes an extraction run.
type Stats struct {
	Articles int
	Skipped  int
	Bytes    int64
}

// Extract streams article pages (namespace 0) from a dump in r and writes
// "title\n\nbody\n\n" records to w.
//
// Malformed XML ends the run without an error since truncated dumps are
// common; the articles written so far are kept.
func Extract(ctx context.Context, r io.Reader, w io.Writer, opts ExtractOptions) (Stats, error) {
	var st Stats
	if opts.Bzip2 {
		r = bzip2.NewReader(r)
	}
	dec := xml.NewDecoder(bufio.NewReaderSize(r, 4<<20))
	dec.Strict = false
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	bw := bufio.NewWriterSize(w, 1<<20)
	for opts.MaxBytes <= 0 || st.Bytes < opts.MaxBytes {
		if err := ctx.Err(); err != nil {
			return st, errors.Join(err, bw.Flush())
		}
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "page" {
			continue
		}
		var p page
		if err := dec.DecodeElement(&p, &se); err != nil || p.NS != 0 || p.Text == "" {
			continue
		}

		body := CleanWikitext(p.Text)
		if body == "" || utf8.RuneCountInString(body) < opts.MinChars {
			st.Skipped++
			continue
		}
		n, err := fmt.Fprintf(bw, "%s\n\n%s\n\n", p.Title, body)
		if err != nil {
			return st, fmt.Errorf("write article %q: %w", p.Title, err)
		}
		st.Bytes += int64(n)
		st.Articles++
	}
	return st, bw.Flush()
}
