package services

const (
	csrfCookieName = "csrftoken"
	csrfHeaderName = "X-CSRFToken"
)

// csrfToken returns the backend's CSRF cookie value, or "" when the backend
// has not set one yet. Django rotates the cookie, so it is read per request.
func (c *APIClient) csrfToken() string {
	for _, cookie := range c.client.Jar.Cookies(c.baseURL) {
		if cookie.Name == csrfCookieName {
			return cookie.Value
		}
	}
	return ""
}
