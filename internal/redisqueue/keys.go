package redisqueue

import (
	"fmt"
	"strings"
)

const (
	rootPrefix      = "orchq:"
	processingIDKey = rootPrefix + "processing_counter"
	donePattern     = rootPrefix + "{*}:done:*"
	doneInfix       = "}:done:"
	pendingFPOffset = 48
)

type keys struct {
	prefix string
}

func scopeKeys(scope string) keys { return keys{prefix: rootPrefix + "{" + scope + "}:"} }

func (k keys) item(fp string) string   { return k.prefix + "item:" + fp }
func (k keys) result(fp string) string { return k.prefix + "result:" + fp }
func (k keys) done(fp string) string   { return k.prefix + "done:" + fp }
func (k keys) pending() string         { return k.prefix + "pending" }
func (k keys) active() string          { return k.prefix + "active" }
func (k keys) orphan() string          { return k.prefix + "orphan" }
func (k keys) created() string         { return k.prefix + "created" }
func (k keys) seq() string             { return k.prefix + "seq" }

// pendingMember encodes retrieval order so that a plain lexical range over
// the pending set yields priority descending, then creation and sequence
// ascending.
func pendingMember(priority, createdMs int64, seq uint64, fp string) string {
	return fmt.Sprintf("%016x%016x%016x%s", ^uint64(priority), uint64(createdMs), seq, fp)
}

func memberFingerprint(member string) (string, bool) {
	if len(member) <= pendingFPOffset {
		return "", false
	}
	return member[pendingFPOffset:], true
}

// parseDoneChannel splits orchq:{scope}:done:{fp}.
func parseDoneChannel(ch string) (scope, fp string, ok bool) {
	rest, found := strings.CutPrefix(ch, rootPrefix+"{")
	if !found {
		return "", "", false
	}
	i := strings.Index(rest, doneInfix)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(doneInfix):], true
}
