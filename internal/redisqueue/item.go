package redisqueue

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rzbill/orchq/internal/queue"
)

// outcomeRecord is the JSON stored under result:{fp}.
type outcomeRecord struct {
	Outcome   queue.Outcome `json:"outcome"`
	ExpiresMs int64         `json:"expiresMs"`
}

// encodeDefinition splits a definition into the def and extra hash fields.
func encodeDefinition(d queue.Definition) (def, extra string, err error) {
	ex := d.Extra
	d.Extra = nil
	raw, err := json.Marshal(d)
	if err != nil {
		return "", "", err
	}
	if ex != nil {
		rawEx, err := json.Marshal(ex)
		if err != nil {
			return "", "", err
		}
		extra = string(rawEx)
	}
	return string(raw), extra, nil
}

// decodeItem rebuilds a WorkItem from its hash. It returns nil for an empty
// hash.
func decodeItem(fp string, h map[string]string) (*queue.WorkItem, error) {
	if len(h) == 0 {
		return nil, nil
	}
	item := &queue.WorkItem{
		Fingerprint: fp,
		Status:      queue.Status(h["status"]),
		LeaseHolder: h["holder"],
	}
	if err := json.Unmarshal([]byte(h["def"]), &item.Definition); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", fp, err)
	}
	if ex := h["extra"]; ex != "" {
		if err := json.Unmarshal([]byte(ex), &item.Definition.Extra); err != nil {
			return nil, fmt.Errorf("decode extra %s: %w", fp, err)
		}
	}
	var err error
	if item.Priority, err = intField(h, "prio"); err != nil {
		return nil, err
	}
	if item.LastHeartbeatMs, err = intField(h, "hb"); err != nil {
		return nil, err
	}
	if item.CreatedAtMs, err = intField(h, "created"); err != nil {
		return nil, err
	}
	if item.OrphanTimeoutMs, err = intField(h, "orphan_ms"); err != nil {
		return nil, err
	}
	seq, err := intField(h, "seq")
	if err != nil {
		return nil, err
	}
	item.Seq = uint64(seq)
	attempts, err := intField(h, "attempts")
	if err != nil {
		return nil, err
	}
	item.Attempts = int(attempts)
	return item, nil
}

func intField(h map[string]string, name string) (int64, error) {
	v, ok := h[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

// pairsToMap converts a flat HGETALL reply returned from a script.
func pairsToMap(v interface{}) map[string]string {
	list, _ := v.([]interface{})
	out := make(map[string]string, len(list)/2)
	for i := 0; i+1 < len(list); i += 2 {
		k, _ := list[i].(string)
		val, _ := list[i+1].(string)
		out[k] = val
	}
	return out
}

func stringsOf(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOf(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}
