package outbound

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// OpenPixelURL is the 1x1 tracking pixel endpoint for a recipient token.
func OpenPixelURL(base, token string) string {
	return fmt.Sprintf("%s/t/o/%s", strings.TrimRight(base, "/"), token)
}

// ClickURL wraps a destination URL in the click-redirect endpoint. The
// destination travels as unpadded urlsafe base64 so the redirect handler
// can round-trip it exactly.
func ClickURL(base, token, target string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(target))
	return fmt.Sprintf("%s/t/c/%s?u=%s", strings.TrimRight(base, "/"), token, encoded)
}

// DecodeClickURL reverses the u= parameter of a click URL.
func DecodeClickURL(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded values from older senders.
		raw, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("decode click url: %w", err)
		}
	}
	return string(raw), nil
}

// InjectTracking rewrites the HTML body for a single recipient: every
// absolute http(s) link becomes a click redirect (when clicks are on), and
// an open pixel is inserted immediately before </body>, or appended when
// the document has no body close tag (when opens are on).
func InjectTracking(html, base, token string, opens, clicks bool) string {
	if clicks {
		html = rewriteLinks(html, base, token)
	}
	if opens {
		pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`,
			OpenPixelURL(base, token))
		if strings.Contains(html, "</body>") {
			html = strings.Replace(html, "</body>", pixel+"</body>", 1)
		} else {
			html += pixel
		}
	}
	return html
}

// rewriteLinks replaces href="http(s)://…" targets with click redirects.
// Already-tracked URLs are left alone so injection is idempotent.
func rewriteLinks(html, base, token string) string {
	result := html
	offset := 0
	for {
		idx := strings.Index(result[offset:], `href="http`)
		if idx == -1 {
			break
		}
		start := offset + idx + len(`href="`)

		end := strings.Index(result[start:], `"`)
		if end == -1 {
			break
		}

		target := result[start : start+end]
		if strings.Contains(target, "/t/c/") || strings.Contains(target, "/t/o/") {
			offset = start + end
			continue
		}

		tracked := ClickURL(base, token, target)
		result = result[:start] + tracked + result[start+end:]
		offset = start + len(tracked)
	}
	return result
}
