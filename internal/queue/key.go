package queue

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// plainKeyMax is the length below which plain string keys are used verbatim
// as fingerprints.
const plainKeyMax = 256

// QueryKey identifies a logical work item. It is either a plain string or a
// composite of a tag and an ordered argument list.
type QueryKey struct {
	Tag       string
	Args      []any
	composite bool
}

// Key returns a plain string key.
func Key(s string) QueryKey { return QueryKey{Tag: s} }

// CompositeKey returns a key made of a tag and its arguments. Args are
// normalized to their decoded JSON form (objects become maps, numbers become
// json.Number) so a key built in process encodes exactly like the same key
// read back from storage or the wire.
func CompositeKey(tag string, args ...any) QueryKey {
	return QueryKey{Tag: tag, Args: canonicalArgs(args), composite: true}
}

// canonicalArgs round-trips args through JSON. Args that cannot be encoded are
// kept as given.
func canonicalArgs(args []any) []any {
	if len(args) == 0 {
		return []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	out, err := decodeArgs(b)
	if err != nil {
		return args
	}
	return out
}

func decodeArgs(b []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// IsComposite reports whether k carries an argument list.
func (k QueryKey) IsComposite() bool { return k.composite }

// IsZero reports whether k is the empty plain key.
func (k QueryKey) IsZero() bool { return !k.composite && k.Tag == "" }

// MarshalJSON encodes plain keys as a JSON string and composite keys as
// [tag, [args...]].
func (k QueryKey) MarshalJSON() ([]byte, error) {
	if !k.composite {
		return json.Marshal(k.Tag)
	}
	args := k.Args
	if args == nil {
		args = []any{}
	}
	return json.Marshal([]any{k.Tag, args})
}

// UnmarshalJSON accepts either form produced by MarshalJSON.
func (k *QueryKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*k = Key(s)
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("query key: want string or [tag, args]: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("query key: want 2 elements, got %d", len(parts))
	}
	var tag string
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("query key tag: %w", err)
	}
	args, err := decodeArgs(parts[1])
	if err != nil {
		return fmt.Errorf("query key args: %w", err)
	}
	*k = QueryKey{Tag: tag, Args: args, composite: true}
	return nil
}

// String returns the plain key or the canonical JSON of a composite key.
func (k QueryKey) String() string {
	if !k.composite {
		return k.Tag
	}
	b, err := k.MarshalJSON()
	if err != nil {
		return k.Tag
	}
	return string(b)
}

// Fingerprint derives the dedup key for k. Plain keys shorter than 256 bytes
// are returned unchanged; anything else is the hex MD5 of its canonical JSON.
// The result is itself a plain key that fingerprints to itself.
func Fingerprint(k QueryKey) string {
	if !k.composite && len(k.Tag) < plainKeyMax {
		return k.Tag
	}
	b, err := k.MarshalJSON()
	if err != nil {
		// Args that cannot be encoded still need a stable join key.
		b = []byte(fmt.Sprintf("%q%v", k.Tag, k.Args))
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
