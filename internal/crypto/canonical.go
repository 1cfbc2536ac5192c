package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// approvalRecordV1 is the versioned canonical encoding an approver signs.
// Fields are newline-joined in fixed order; the version tag in position zero
// lets a future encoding coexist with stored v1 signatures.
const approvalRecordV1 = "lifeline-approval-v1"

// ApprovalMessage builds the canonical byte record for an approval signature
// over a request. The newline separator is safe because none of the fields
// may contain newlines by the time validation has run.
func ApprovalMessage(reqID, requesterID, targetVault, targetPath, reason string) []byte {
	return []byte(strings.Join([]string{
		approvalRecordV1,
		reqID,
		requesterID,
		targetVault,
		targetPath,
		reason,
	}, "\n"))
}

// CanonicalJSON serializes v with lexicographically sorted keys and no
// insignificant whitespace. Audit entry hashing depends on this being
// byte-stable across processes.
func CanonicalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := marshalCanonicalValue(v[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", k, err)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func marshalCanonicalValue(v any) ([]byte, error) {
	if m, ok := v.(map[string]any); ok {
		return CanonicalJSON(m)
	}
	return json.Marshal(v)
}
