package archive

import (
	"encoding/xml"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ComicInfo is the metadata record injected into archives that lack one.
// Only Title and Series are synthesized.
type ComicInfo struct {
	XMLName xml.Name `xml:"ComicInfo"`
	Title   string   `xml:"Title"`
	Series  string   `xml:"Series"`
}

// NewComicInfo derives the record from the archive path: Series is the parent
// directory name and Title the file name without its extension.
func NewComicInfo(path string) ComicInfo {
	base := filepath.Base(path)
	return ComicInfo{
		Title:  strings.TrimSuffix(base, filepath.Ext(base)),
		Series: filepath.Base(filepath.Dir(path)),
	}
}

// Marshal renders the record as UTF-8 XML without a declaration. Text
// escaping covers only &, < and >; quotes stay literal.
func (c ComicInfo) Marshal() ([]byte, error) {
	var b strings.Builder
	b.WriteString("<ComicInfo><Title>")
	if err := escapeText(&b, c.Title); err != nil {
		return nil, err
	}
	b.WriteString("</Title><Series>")
	if err := escapeText(&b, c.Series); err != nil {
		return nil, err
	}
	b.WriteString("</Series></ComicInfo>")
	return []byte(b.String()), nil
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeText writes s as XML character data. Runes XML cannot carry become U+FFFD.
func escapeText(b *strings.Builder, s string) error {
	clean := strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return '\uFFFD'
	}, s)
	if _, err := textEscaper.WriteString(b, clean); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
