package crawler

import (
	"bytes"
	"crypto/md5" //nolint:gosec // identity key, not a security boundary
	"encoding/hex"
	"encoding/json"
)

const fingerprintLength = 10

// Fingerprint identifies a request for duplicate suppression. Only the URL,
// device, user agent and extra headers take part; empty members are left out
// and keys are sorted so field order never matters.
func Fingerprint(o RequestOptions) string {
	picked := map[string]any{}
	if o.URL != "" {
		picked["url"] = o.URL
	}
	if o.Device != "" {
		picked["device"] = o.Device
	}
	if o.UserAgent != "" {
		picked["userAgent"] = o.UserAgent
	}
	if len(o.ExtraHeaders) > 0 {
		picked["extraHeaders"] = o.ExtraHeaders
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Maps of strings always encode.
	_ = enc.Encode(picked)
	sum := md5.Sum(bytes.TrimRight(buf.Bytes(), "\n")) //nolint:gosec
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}
