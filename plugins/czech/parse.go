package czech

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"casewatch/internal/core"
	"casewatch/internal/plugin"
)

// defaultQueryField is used when the form has no recognisable query input.
const defaultQueryField = "application_number"

var errNoForm = errors.New("status page has no query form")

type form struct {
	action string
	values url.Values
}

// extractForm finds the first <form> on the page and builds the submission:
// every hidden input, the query code in the first text input whose name looks
// like a number/code/reference field, and the query kind in any "type" select.
func extractForm(page string, pageURL *url.URL, code, kind string) (form, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return form{}, err
	}
	fn := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Form })
	if fn == nil {
		return form{}, errNoForm
	}

	action := pageURL
	if a := strings.TrimSpace(attr(fn, "action")); a != "" {
		ref, err := url.Parse(a)
		if err != nil {
			return form{}, err
		}
		action = pageURL.ResolveReference(ref)
	}

	values := url.Values{}
	codeSet := false
	walk(fn, func(n *html.Node) {
		switch n.DataAtom {
		case atom.Input:
			name := attr(n, "name")
			if name == "" {
				return
			}
			switch strings.ToLower(attr(n, "type")) {
			case "hidden":
				values.Set(name, attr(n, "value"))
			case "", "text", "search":
				if !codeSet && looksLikeQueryField(name) {
					values.Set(name, code)
					codeSet = true
				}
			}
		case atom.Select:
			name := attr(n, "name")
			if !strings.Contains(strings.ToLower(name), "type") {
				return
			}
			if opt := findFirst(n, func(o *html.Node) bool {
				return o.DataAtom == atom.Option && strings.Contains(strings.ToLower(attr(o, "value")), kind)
			}); opt != nil {
				values.Set(name, attr(opt, "value"))
			}
		}
	})
	if !codeSet {
		values.Set(defaultQueryField, code)
	}
	return form{action: action.String(), values: values}, nil
}

func looksLikeQueryField(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "number") || strings.Contains(n, "code") || strings.Contains(n, "reference")
}

// Phrases are matched in order, so Czech wording wins over English and longer
// English phrases are listed before the bare keywords they contain.
var phrases = []struct{ phrase, status string }{
	{"nenalezeno", "not_found"},
	{"zpracovává se", "processing"},
	{"v řízení", "under_review"},
	{"schváleno", "approved"},
	{"zamítnuto", "rejected"},
	{"připraveno k vyzvednutí", "ready_for_pickup"},
	{"vydáno", "issued"},
	{"pozastaveno", "suspended"},
	{"application not found", "not_found"},
	{"not found", "not_found"},
	{"being processed", "processing"},
	{"under review", "under_review"},
	{"approved", "approved"},
	{"rejected", "rejected"},
	{"denied", "rejected"},
	{"ready for pickup", "ready_for_pickup"},
	{"issued", "issued"},
	{"suspended", "suspended"},
}

var keywords = []struct {
	status string
	words  []string
}{
	{"not_found", []string{"not found", "nenalezeno", "neexistuje"}},
	{"processing", []string{"processing", "zpracovává", "probíhá"}},
	{"approved", []string{"approved", "schváleno", "povoleno"}},
	{"rejected", []string{"rejected", "zamítnuto", "odmítnuto"}},
	{"ready_for_pickup", []string{"ready", "připraveno", "hotovo"}},
	{"issued", []string{"issued", "vydáno"}},
	{"suspended", []string{"suspended", "pozastaveno"}},
}

var descriptions = map[string]string{
	"not_found":        "Application not found in the system. Please verify your application number.",
	"processing":       "Your application is currently being processed.",
	"under_review":     "Your application is under review by the immigration officer.",
	"approved":         "Your application has been approved.",
	"rejected":         "Your application has been rejected. Please check the official notification for details.",
	"ready_for_pickup": "Your document is ready for pickup at the designated office.",
	"issued":           "Your document has been issued.",
	"suspended":        "Your application has been suspended. Please contact the office for more information.",
	core.StatusUnknown: "Status could not be determined from the response.",
}

// mapStatus normalises free text from the portal to a status value.
func mapStatus(text string) string {
	t := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(t, p.phrase) {
			return p.status
		}
	}
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(t, w) {
				return k.status
			}
		}
	}
	return core.StatusUnknown
}

var dateFormats = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\b\d{1,2}\.\d{1,2}\.\d{4}\b`), "2.1.2006"},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), "2006-01-02"},
	{regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`), "2/1/2006"},
}

// parseDate returns the first date found in text, trying each format in turn.
func parseDate(text string) *time.Time {
	for _, f := range dateFormats {
		for _, m := range f.re.FindAllString(text, -1) {
			if t, err := time.ParseInLocation(f.layout, m, time.UTC); err == nil {
				return &t
			}
		}
	}
	return nil
}

// parseResult scrapes the result page. The status block is the first element
// whose class mentions status/result/application; without one the whole page
// text is used.
func parseResult(body string) plugin.Result {
	res := plugin.Result{Status: core.StatusUnknown, RawResponse: core.TruncateRaw(body)}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		res.Status = mapStatus(body)
		res.Details = descriptions[res.Status]
		return res
	}

	scope := ""
	for _, c := range statusContainers {
		if n := findFirst(doc, c.match); n != nil {
			scope = text(n)
			break
		}
	}
	page := text(doc)
	if scope == "" {
		scope = page
	}

	res.Status = mapStatus(scope)
	res.Details = descriptions[res.Status]
	if d := parseDate(scope); d != nil {
		res.LastUpdate = d
	} else {
		res.LastUpdate = parseDate(page)
	}
	return res
}

type container struct {
	tag   atom.Atom
	class string
}

func (c container) match(n *html.Node) bool {
	return n.DataAtom == c.tag && strings.Contains(strings.ToLower(attr(n, "class")), c.class)
}

var statusContainers = []container{
	{atom.Div, "status"},
	{atom.Div, "result"},
	{atom.Div, "application"},
	{atom.Span, "status"},
	{atom.P, "status"},
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// text returns the visible text below n with whitespace collapsed.
func text(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
