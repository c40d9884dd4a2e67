package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// authCallbackPage keeps the OAuth fragment, which never reaches the server,
// for the frontend to pick up after the redirect.
const authCallbackPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Signing in</title>
</head>
<body>
<script>
  if (window.location.hash) {
    sessionStorage.setItem("auth_callback_hash", window.location.hash);
  }
  window.location.replace("/");
</script>
<noscript>JavaScript is required to finish signing in. <a href="/">Continue</a></noscript>
</body>
</html>
`

// AuthCallback serves the page that stashes the login fragment and returns to "/".
func AuthCallback(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTML(http.StatusOK, authCallbackPage)
}
