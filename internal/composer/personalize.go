package composer

import (
	"fmt"
	"strings"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// Placeholders recognised in campaign subjects and bodies
const (
	PlaceholderName    = "{{nome}}"
	PlaceholderSurname = "{{sobrenome}}"
	PlaceholderEmail   = "{{email}}"
)

// Substitute replaces the client placeholders in text. Any other token is
// left verbatim and substituted values are never expanded again.
func Substitute(text string, client *models.Client) string {
	if client == nil {
		return text
	}
	return strings.NewReplacer(
		PlaceholderName, client.Name,
		PlaceholderSurname, client.Surname,
		PlaceholderEmail, client.Email,
	).Replace(text)
}

// TrackingURL is the open-tracking endpoint for a record
func TrackingURL(baseURL, recordID string) string {
	return strings.TrimRight(baseURL, "/") + "/api/emails/" + recordID + "/rastreamento/"
}

// TrackingPixel returns the 1x1 image tag pointing at the open-tracking endpoint
func TrackingPixel(baseURL, recordID string) string {
	return fmt.Sprintf("<img src='%s' width='1' height='1' />", TrackingURL(baseURL, recordID))
}

// WrapHTML embeds pixel into body. A body that already carries an <html>
// element gets the pixel right before its closing body tag (or at the end
// when there is none); anything else is wrapped in a minimal document.
func WrapHTML(body, pixel string) string {
	if indexFold(body, "<html") < 0 {
		return "<html><body>" + body + pixel + "</body></html>"
	}
	if i := indexFold(body, "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

// indexFold is strings.Index with ASCII case folding
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}
