// Package uiauto locates and taps on-screen widgets from uiautomator
// hierarchy snapshots. Everything here is best-effort: callers receive a
// Confidence with every tap and must surface it rather than treat a miss as a
// protocol failure.
package uiauto

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidSnapshot = errors.New("uiauto: invalid snapshot")

// Rect is a widget bounding box in screen pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) CenterX() int { return (r.Left + r.Right) / 2 }
func (r Rect) CenterY() int { return (r.Top + r.Bottom) / 2 }
func (r Rect) Width() int   { return r.Right - r.Left }
func (r Rect) Empty() bool  { return r.Right <= r.Left || r.Bottom <= r.Top }

// Node is one widget in a hierarchy snapshot.
type Node struct {
	Text        string
	ContentDesc string
	Class       string
	ResourceID  string
	Package     string
	Bounds      Rect
	Checkable   bool
	Checked     bool
	Selected    bool
	Clickable   bool
	Enabled     bool

	Parent   *Node
	Children []*Node
}

// Label is the visible text, falling back to the content description.
func (n *Node) Label() string {
	if strings.TrimSpace(n.Text) != "" {
		return n.Text
	}
	return n.ContentDesc
}

// Tree is a parsed hierarchy snapshot.
type Tree struct {
	Root  *Node
	Nodes []*Node
}

type xmlNode struct {
	Text        string    `xml:"text,attr"`
	ResourceID  string    `xml:"resource-id,attr"`
	Class       string    `xml:"class,attr"`
	Package     string    `xml:"package,attr"`
	ContentDesc string    `xml:"content-desc,attr"`
	Checkable   string    `xml:"checkable,attr"`
	Checked     string    `xml:"checked,attr"`
	Clickable   string    `xml:"clickable,attr"`
	Enabled     string    `xml:"enabled,attr"`
	Selected    string    `xml:"selected,attr"`
	Bounds      string    `xml:"bounds,attr"`
	Nodes       []xmlNode `xml:"node"`
}

type xmlHierarchy struct {
	XMLName xml.Name  `xml:"hierarchy"`
	Nodes   []xmlNode `xml:"node"`
}

var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds parses the "[l,t][r,b]" attribute format.
func ParseBounds(raw string) (Rect, error) {
	m := boundsPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Rect{}, fmt.Errorf("%w: bounds %q", ErrInvalidSnapshot, raw)
	}
	vals := make([]int, 4)
	for i := range vals {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Rect{}, fmt.Errorf("%w: bounds %q", ErrInvalidSnapshot, raw)
		}
		vals[i] = v
	}
	return Rect{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}, nil
}

// Parse decodes a uiautomator dump. Leading noise before the XML prolog (some
// builds print "UI hierchary dumped to: ...") is skipped.
func Parse(raw []byte) (*Tree, error) {
	s := string(raw)
	if i := strings.Index(s, "<?xml"); i > 0 {
		s = s[i:]
	} else if i := strings.Index(s, "<hierarchy"); i > 0 {
		s = s[i:]
	}
	if end := strings.LastIndex(s, "</hierarchy>"); end >= 0 {
		s = s[:end+len("</hierarchy>")]
	}

	var h xmlHierarchy
	if err := xml.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if len(h.Nodes) == 0 {
		return nil, fmt.Errorf("%w: empty hierarchy", ErrInvalidSnapshot)
	}

	tree := &Tree{}
	root := &Node{Class: "hierarchy", Enabled: true}
	for _, xn := range h.Nodes {
		child := tree.build(xn, root)
		root.Children = append(root.Children, child)
		if root.Bounds.Width() < child.Bounds.Width() {
			root.Bounds = child.Bounds
		}
	}
	tree.Root = root
	return tree, nil
}

func (t *Tree) build(xn xmlNode, parent *Node) *Node {
	bounds, _ := ParseBounds(xn.Bounds)
	n := &Node{
		Text:        xn.Text,
		ContentDesc: xn.ContentDesc,
		Class:       xn.Class,
		ResourceID:  xn.ResourceID,
		Package:     xn.Package,
		Bounds:      bounds,
		Checkable:   xn.Checkable == "true",
		Checked:     xn.Checked == "true",
		Selected:    xn.Selected == "true",
		Clickable:   xn.Clickable == "true",
		Enabled:     xn.Enabled != "false",
		Parent:      parent,
	}
	t.Nodes = append(t.Nodes, n)
	for _, c := range xn.Nodes {
		n.Children = append(n.Children, t.build(c, n))
	}
	return n
}

// ScreenWidth is the widest top-level bound, or 0 when unknown.
func (t *Tree) ScreenWidth() int {
	if t == nil || t.Root == nil {
		return 0
	}
	return t.Root.Bounds.Right
}

// FindText returns the first node whose label matches text exactly, else the
// first case-insensitive substring match.
func (t *Tree) FindText(text string) (*Node, bool) {
	want := strings.TrimSpace(text)
	if want == "" {
		return nil, false
	}
	for _, n := range t.Nodes {
		if n.Text == want || n.ContentDesc == want {
			return n, true
		}
	}
	lower := strings.ToLower(want)
	for _, n := range t.Nodes {
		if strings.Contains(strings.ToLower(n.Label()), lower) {
			return n, true
		}
	}
	return nil, false
}

// FindResourceID matches a full id ("pkg:id/name") or the bare name.
func (t *Tree) FindResourceID(id string) (*Node, bool) {
	want := strings.TrimSpace(id)
	if want == "" {
		return nil, false
	}
	for _, n := range t.Nodes {
		if n.ResourceID == want || strings.HasSuffix(n.ResourceID, ":id/"+want) {
			return n, true
		}
	}
	return nil, false
}

// Confidence grades how a tap target was derived.
type Confidence string

const (
	ConfidenceExact       Confidence = "exact"
	ConfidenceAncestor    Confidence = "ancestor"
	ConfidenceRowFallback Confidence = "row_fallback"
)

// Target is a resolved tap point.
type Target struct {
	X, Y       int
	Confidence Confidence
	Node       *Node
}

var ErrNoSelection = errors.New("uiauto: no checked or selected entry")

// ResolveSelected finds the tappable row for the currently checked (or, when
// nothing is checked, selected) entry. Names are never consulted.
func (t *Tree) ResolveSelected() (Target, error) {
	marked := t.collect(func(n *Node) bool { return n.Checked })
	if len(marked) == 0 {
		marked = t.collect(func(n *Node) bool { return n.Selected })
	}
	for _, n := range marked {
		if underHeader(n) {
			continue
		}
		for anc := n.Parent; anc != nil && anc != t.Root; anc = anc.Parent {
			if anc.Clickable && !isHeader(anc) && !anc.Bounds.Empty() {
				return Target{X: anc.Bounds.CenterX(), Y: anc.Bounds.CenterY(), Confidence: ConfidenceAncestor, Node: anc}, nil
			}
		}
		x := t.ScreenWidth() / 2
		if x == 0 {
			x = n.Bounds.CenterX()
		}
		return Target{X: x, Y: n.Bounds.CenterY(), Confidence: ConfidenceRowFallback, Node: n}, nil
	}
	return Target{}, ErrNoSelection
}

func (t *Tree) collect(match func(*Node) bool) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if match(n) && len(n.Children) == 0 {
			out = append(out, n)
		}
	}
	return out
}

func isHeader(n *Node) bool {
	id := strings.ToLower(n.ResourceID)
	class := strings.ToLower(n.Class)
	return strings.Contains(id, "header") ||
		strings.Contains(id, "toolbar") ||
		strings.Contains(id, "action_bar") ||
		strings.Contains(class, "toolbar") ||
		strings.Contains(class, "actionbar")
}

func underHeader(n *Node) bool {
	for anc := n.Parent; anc != nil; anc = anc.Parent {
		if isHeader(anc) {
			return true
		}
	}
	return false
}
