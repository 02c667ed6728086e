package simulation

import (
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newRetryClient creates an HTTP client that retries connection errors and
// 5xx responses. The last response is handed back instead of an error so the
// caller can report the service's own message.
func newRetryClient(retryMax int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = nil
	return c
}
