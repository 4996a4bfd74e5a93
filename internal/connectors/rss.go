package connectors

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// RSSConnector discovers article links from RSS 2.0 and Atom feeds. Token
// scanning rather than struct decoding keeps per-link attributes (rel, type)
// visible, which Atom link selection needs.
type RSSConnector struct {
	opts Options
}

// Discover parses the feed at seed and returns its entry links in document
// order, deduplicated.
func (c *RSSConnector) Discover(ctx context.Context, seed string) ([]string, error) {
	data, err := readSeed(ctx, seed, c.opts)
	if err != nil {
		return nil, err
	}
	links, err := scanFeedLinks(data, nil, false)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", seed, err)
	}
	return dedupe(links), nil
}

// linkFilter lets a caller veto a candidate link based on its attributes;
// nil accepts everything.
type linkFilter func(attrs map[string]string) bool

// scanFeedLinks walks the XML token stream collecting entry links from both
// feed dialects: RSS <item><link>text</link> and Atom <entry><link href/>.
// Only HTTP(S) links count. A missing Atom rel means alternate; links with
// any other rel are ignored. When idFallback is set, an entry with no usable
// link falls back to its <id> if that id is itself an HTTP(S) URL.
func scanFeedLinks(data []byte, filter linkFilter, idFallback bool) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = false
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var (
		links      []string
		inEntry    bool
		depth      int
		entryDepth int

		entryAlternate string
		entryID        string

		captureText *string
	)

	flushEntry := func() {
		switch {
		case entryAlternate != "":
			links = append(links, entryAlternate)
		case idFallback && entryID != "":
			links = append(links, entryID)
		}
		entryAlternate, entryID = "", ""
	}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
			name := strings.ToLower(t.Name.Local)
			switch name {
			case "item", "entry":
				inEntry = true
				entryDepth = depth
			case "link":
				if !inEntry {
					break
				}
				attrs := attrMap(t.Attr)
				if href, ok := attrs["href"]; ok {
					// Atom style link element.
					if filter != nil && !filter(attrs) {
						break
					}
					rel := strings.ToLower(attrs["rel"])
					if (rel == "" || rel == "alternate") && isHTTPURL(href) && entryAlternate == "" {
						entryAlternate = href
					}
					break
				}
				// RSS style link element with text content.
				var text string
				captureText = &text
				if err := captureInto(decoder, captureText); err != nil {
					return nil, err
				}
				depth--
				if link := strings.TrimSpace(*captureText); isHTTPURL(link) && entryAlternate == "" {
					entryAlternate = link
				}
				captureText = nil
			case "id", "guid":
				if !inEntry {
					break
				}
				var text string
				if err := captureInto(decoder, &text); err != nil {
					return nil, err
				}
				depth--
				if id := strings.TrimSpace(text); isHTTPURL(id) && entryID == "" {
					entryID = id
				}
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if inEntry && (name == "item" || name == "entry") && depth == entryDepth {
				flushEntry()
				inEntry = false
			}
			depth--
		}
	}
	if inEntry {
		flushEntry()
	}
	return links, nil
}

// captureInto reads character data until the current element closes.
func captureInto(decoder *xml.Decoder, out *string) error {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	*out = b.String()
	return nil
}

func attrMap(attrs []xml.Attr) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[strings.ToLower(a.Name.Local)] = a.Value
	}
	return out
}
