package prometheus

import (
	"testing"

	logTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/aurigraph/tokenversion/shared"
	"github.com/aurigraph/tokenversion/shared/testutil"
)

func TestLifecycle(t *testing.T) {
	hook := logTest.NewGlobal()
	prometheusService := NewPrometheusService("127.0.0.1:0", shared.NewServiceRegistry())

	prometheusService.Start()
	testutil.AssertLogsContain(t, hook, "Starting service")

	if err := prometheusService.Stop(); err != nil {
		t.Fatalf("failed to stop service: %v", err)
	}
	testutil.AssertLogsContain(t, hook, "Stopping service")
}
