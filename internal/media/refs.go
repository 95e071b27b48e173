package media

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var soundTag = regexp.MustCompile(`\[sound:([^\]]+)\]`)

// mediaTags are the elements whose src or data attribute names a media file.
var mediaTags = map[string]bool{
	"img": true, "audio": true, "video": true, "source": true,
	"object": true, "embed": true, "track": true,
}

// References returns the local media file names a note field refers to, in
// order of appearance and without duplicates. Remote and inline URLs are
// ignored.
func References(field string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || isRemote(ref) {
			return
		}
		if unescaped, err := url.PathUnescape(ref); err == nil {
			ref = unescaped
		}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}

	for _, m := range soundTag.FindAllStringSubmatch(field, -1) {
		add(m[1])
	}
	if !strings.Contains(field, "<") {
		return out
	}

	z := html.NewTokenizer(strings.NewReader(field))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if !hasAttr || !mediaTags[string(name)] {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if k := string(key); k == "src" || k == "data" {
				add(string(val))
			}
			if !more {
				break
			}
		}
	}
}

func isRemote(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != "" && len(u.Scheme) > 1
}

// RewriteReferences replaces references to the keys of renamed with their
// values in field.
func RewriteReferences(field string, renamed map[string]string) string {
	for from, to := range renamed {
		if from == to || !strings.Contains(field, from) {
			continue
		}
		field = strings.ReplaceAll(field, `"`+from+`"`, `"`+to+`"`)
		field = strings.ReplaceAll(field, `'`+from+`'`, `'`+to+`'`)
		field = strings.ReplaceAll(field, "src="+from, "src="+to)
		field = strings.ReplaceAll(field, "[sound:"+from+"]", "[sound:"+to+"]")
	}
	return field
}
