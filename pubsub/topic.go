package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/repubsub/encoding"
)

// Shape identifies the concrete form of a topic key.
type Shape int

const (
	// ShapeString is a flat dotted name like "superheroes.Batman".
	ShapeString Shape = iota
	// ShapeTags is an unordered set of tags, stored sorted and deduplicated.
	ShapeTags
	// ShapeTree is a two-level hierarchy of category -> subcategory -> leaves.
	ShapeTree
)

func (s Shape) String() string {
	switch s {
	case ShapeString:
		return "string"
	case ShapeTags:
		return "tags"
	case ShapeTree:
		return "tree"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Key is an immutable topic key in one of three shapes. Keys are built
// through StringKey, TagKey and TreeKey, which validate and canonicalize
// their input; the zero Key is not valid. Two keys that canonicalize to the
// same form serialize to the same bytes, so they address the same record.
type Key struct {
	shape Shape
	name  string
	tags  []string
	tree  map[string]map[string][]string
	enc   []byte
}

// StringKey builds a flat topic key from a dotted name. Every segment must
// be a literal; wildcards belong in binding patterns, not topic names.
func StringKey(name string) (Key, error) {
	if name == "" {
		return Key{}, fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	for _, seg := range strings.Split(name, delimiter) {
		if !segmentRe.MatchString(seg) {
			return Key{}, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidTopic, seg, name)
		}
	}
	enc, err := encoding.MarshalCanonical(name)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	return Key{shape: ShapeString, name: name, enc: enc}, nil
}

// TagKey builds a tag-set topic key. Tags are sorted and deduplicated, so
// TagKey("b", "a", "b") and TagKey("a", "b") address the same record. Each
// tag must be a single segment.
func TagKey(tags ...string) (Key, error) {
	if len(tags) == 0 {
		return Key{}, fmt.Errorf("%w: no tags", ErrInvalidTopic)
	}
	for _, tag := range tags {
		if !segmentRe.MatchString(tag) {
			return Key{}, fmt.Errorf("%w: bad tag %q", ErrInvalidTopic, tag)
		}
	}
	canon := sortDedup(tags)
	enc, err := encoding.MarshalCanonical(canon)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	return Key{shape: ShapeTags, tags: canon, enc: enc}, nil
}

// TreeKey builds a hierarchical topic key from a category -> subcategory ->
// leaves mapping. The input is deep-copied and leaf lists are sorted and
// deduplicated; map ordering never affects identity because the canonical
// encoding sorts map keys.
func TreeKey(tree map[string]map[string][]string) (Key, error) {
	if len(tree) == 0 {
		return Key{}, fmt.Errorf("%w: empty tree", ErrInvalidTopic)
	}
	canon := make(map[string]map[string][]string, len(tree))
	for cat, subs := range tree {
		if !segmentRe.MatchString(cat) {
			return Key{}, fmt.Errorf("%w: bad category %q", ErrInvalidTopic, cat)
		}
		canonSubs := make(map[string][]string, len(subs))
		for sub, leaves := range subs {
			if !segmentRe.MatchString(sub) {
				return Key{}, fmt.Errorf("%w: bad subcategory %q", ErrInvalidTopic, sub)
			}
			for _, leaf := range leaves {
				if !segmentRe.MatchString(leaf) {
					return Key{}, fmt.Errorf("%w: bad leaf %q", ErrInvalidTopic, leaf)
				}
			}
			canonSubs[sub] = sortDedup(leaves)
		}
		canon[cat] = canonSubs
	}
	enc, err := encoding.MarshalCanonical(canon)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	return Key{shape: ShapeTree, tree: canon, enc: enc}, nil
}

// KeyFromBytes decodes a stored topic key, inferring its shape from the
// encoded type: a string is flat, an array is a tag set, a map is a tree.
func KeyFromBytes(b []byte) (Key, error) {
	var raw any
	if err := encoding.Unmarshal(b, &raw); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}
	switch v := raw.(type) {
	case string:
		return StringKey(v)
	case []any:
		tags := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return Key{}, fmt.Errorf("%w: non-string tag %v", ErrInvalidTopic, e)
			}
			tags = append(tags, s)
		}
		return TagKey(tags...)
	case map[string]any:
		tree := make(map[string]map[string][]string, len(v))
		for cat, rawSubs := range v {
			subs, ok := rawSubs.(map[string]any)
			if !ok {
				return Key{}, fmt.Errorf("%w: category %q is not a map", ErrInvalidTopic, cat)
			}
			tree[cat] = make(map[string][]string, len(subs))
			for sub, rawLeaves := range subs {
				leaves, ok := rawLeaves.([]any)
				if !ok {
					return Key{}, fmt.Errorf("%w: subcategory %q is not a list", ErrInvalidTopic, sub)
				}
				ss := make([]string, 0, len(leaves))
				for _, e := range leaves {
					s, sok := e.(string)
					if !sok {
						return Key{}, fmt.Errorf("%w: non-string leaf %v", ErrInvalidTopic, e)
					}
					ss = append(ss, s)
				}
				tree[cat][sub] = ss
			}
		}
		return TreeKey(tree)
	default:
		return Key{}, fmt.Errorf("%w: undecodable key of type %T", ErrInvalidTopic, raw)
	}
}

// Shape reports the key's shape.
func (k Key) Shape() Shape { return k.shape }

// Valid reports whether the key was built by one of the factories.
func (k Key) Valid() bool { return len(k.enc) > 0 }

// Name returns the dotted name of a flat key, or "" for other shapes.
func (k Key) Name() string { return k.name }

// Tags returns a copy of the sorted tag set, or nil for other shapes.
func (k Key) Tags() []string {
	if k.tags == nil {
		return nil
	}
	out := make([]string, len(k.tags))
	copy(out, k.tags)
	return out
}

// Tree returns a deep copy of the hierarchy, or nil for other shapes.
func (k Key) Tree() map[string]map[string][]string {
	if k.tree == nil {
		return nil
	}
	out := make(map[string]map[string][]string, len(k.tree))
	for cat, subs := range k.tree {
		out[cat] = make(map[string][]string, len(subs))
		for sub, leaves := range subs {
			ls := make([]string, len(leaves))
			copy(ls, leaves)
			out[cat][sub] = ls
		}
	}
	return out
}

// Bytes returns the canonical encoding of the key. Equal keys always return
// equal bytes, which is what makes a key usable as a storage identity.
func (k Key) Bytes() []byte {
	out := make([]byte, len(k.enc))
	copy(out, k.enc)
	return out
}

// Equal reports whether two keys have the same canonical encoding.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k.enc, other.enc)
}

// Subject renders the key as a dotted string for routing: the name of a
// flat key, the sorted tags of a tag key, or the sorted categories of a
// tree key.
func (k Key) Subject() string {
	switch k.shape {
	case ShapeString:
		return k.name
	case ShapeTags:
		return strings.Join(k.tags, delimiter)
	case ShapeTree:
		cats := make([]string, 0, len(k.tree))
		for cat := range k.tree {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		return strings.Join(cats, delimiter)
	default:
		return ""
	}
}

// MarshalJSON renders the key in its natural JSON form: a string, an array
// of tags, or a nested object.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.jsonValue())
}

func (k Key) jsonValue() any {
	switch k.shape {
	case ShapeTags:
		return k.tags
	case ShapeTree:
		return k.tree
	default:
		return k.name
	}
}

// String renders the key's JSON form, for logs and console output.
func (k Key) String() string {
	b, err := json.Marshal(k.jsonValue())
	if err != nil {
		return k.Subject()
	}
	return string(b)
}

func sortDedup(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}

// Topic pairs a key with the exchange it publishes to. Topics are handles;
// nothing is written until the first Publish touches the exchange.
type Topic struct {
	key      Key
	exchange *Exchange
}

// Key returns the topic's key.
func (t *Topic) Key() Key { return t.key }

// Child derives a nested topic by appending one segment to a flat topic's
// name. Only flat topics nest.
func (t *Topic) Child(segment string) (*Topic, error) {
	if t.key.shape != ShapeString {
		return nil, fmt.Errorf("%w: child topics require a flat topic, have %s", ErrInvalidTopic, t.key.shape)
	}
	key, err := StringKey(t.key.name + delimiter + segment)
	if err != nil {
		return nil, err
	}
	return &Topic{key: key, exchange: t.exchange}, nil
}

// Publish encodes the payload and publishes it under this topic's key.
func (t *Topic) Publish(ctx context.Context, payload any) error {
	return t.exchange.Publish(ctx, t.key, payload)
}

// Queue returns a queue bound to this topic and everything beneath it: a
// flat topic binds "<name>.#", a tag topic binds containment of its tags,
// a tree topic binds structural containment of its hierarchy.
func (t *Topic) Queue() (*Queue, error) {
	q := &Queue{exchange: t.exchange}
	if err := q.BindTopic(t); err != nil {
		return nil, err
	}
	return q, nil
}
