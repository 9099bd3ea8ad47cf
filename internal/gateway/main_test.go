package gateway

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// net/http keeps idle connections pooled past test end.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
