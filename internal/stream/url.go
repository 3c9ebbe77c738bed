package stream

import (
	"fmt"
	"net/url"
)

// EndpointURL appends the authorization token to the channel address.
// The websocket transport carries no request headers, so the credential
// travels as a token query parameter with a "Bearer " prefix, appended
// after any query string already present on the base URL.
func EndpointURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint %q: %w", base, err)
	}
	q := u.Query()
	q.Set("token", "Bearer "+token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
