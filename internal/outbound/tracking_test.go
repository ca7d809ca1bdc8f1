package outbound

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectTrackingRewritesLinkAndAppendsPixel(t *testing.T) {
	html := `<html><body><a href="https://x.example/page">L</a></body></html>`
	out := InjectTracking(html, "https://t.example", "T", true, true)

	assert.Contains(t, out, `href="https://t.example/t/c/T?u=aHR0cHM6Ly94LmV4YW1wbGUvcGFnZQ"`)
	assert.True(t, strings.HasSuffix(out,
		`<img src="https://t.example/t/o/T" width="1" height="1" style="display:none" /></body></html>`))
}

func TestInjectTrackingClicksOnly(t *testing.T) {
	html := `<body><a href="http://a.example/x">a</a></body>`
	out := InjectTracking(html, "https://t.example", "tok", false, true)

	assert.NotContains(t, out, "/t/o/")
	assert.Contains(t, out, "/t/c/tok?u=")
}

func TestInjectTrackingOpensWithoutBodyTag(t *testing.T) {
	out := InjectTracking("<p>hi</p>", "https://t.example", "tok", true, false)
	assert.True(t, strings.HasSuffix(out, `style="display:none" />`))
	assert.Contains(t, out, "https://t.example/t/o/tok")
}

func TestInjectTrackingIdempotentOnTrackedLinks(t *testing.T) {
	html := `<body><a href="https://x.example/page">L</a></body>`
	once := InjectTracking(html, "https://t.example", "T", false, true)
	twice := InjectTracking(once, "https://t.example", "T", false, true)
	assert.Equal(t, once, twice)
}

func TestInjectTrackingSkipsRelativeAndMailtoLinks(t *testing.T) {
	html := `<body><a href="/local">l</a><a href="mailto:a@b.test">m</a></body>`
	out := InjectTracking(html, "https://t.example", "T", false, true)
	assert.Equal(t, html, out)
}

func TestClickURLRoundTrips(t *testing.T) {
	original := "https://x.example/page?a=1&b=two words"
	url := ClickURL("https://t.example", "tok", original)

	_, encoded, found := strings.Cut(url, "?u=")
	require.True(t, found)

	decoded, err := DecodeClickURL(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeClickURLToleratesPadding(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("https://x.example/p"))
	decoded, err := DecodeClickURL(padded)
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/p", decoded)
}

func TestDecodeJobEncodings(t *testing.T) {
	job, ok := DecodeJob(map[string]interface{}{
		"json": `{"message_id":4,"tenant_id":1,"domain_id":2,"envelope":{"from":"a@b.test","to":["u@c.test"]},"retries":""}`,
	})
	require.True(t, ok)
	assert.Equal(t, int64(4), job.MessageID)
	assert.Equal(t, RetryCount(0), job.Retries)
	assert.Equal(t, 1, job.Envelope.RecipientCount())

	// Legacy flat entries decode through the same path.
	job, ok = DecodeJob(map[string]interface{}{
		"message_id": "9",
		"company_id": "2",
		"domain_id":  "3",
		"envelope":   `{"from":"a@b.test","to":["u@c.test"]}`,
		"retries":    "2",
	})
	require.True(t, ok)
	assert.Equal(t, int64(9), job.MessageID)
	assert.Equal(t, int64(2), job.TenantID)
	assert.Equal(t, RetryCount(2), job.Retries)

	// Missing message_id is malformed.
	_, ok = DecodeJob(map[string]interface{}{"json": `{"tenant_id":1}`})
	assert.False(t, ok)

	// Garbage is malformed.
	_, ok = DecodeJob(map[string]interface{}{"json": "{"})
	assert.False(t, ok)
}
