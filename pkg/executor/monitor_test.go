package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCheckerHTTPRequiresURL(t *testing.T) {
	_, err := buildChecker(types.ClassHTTP, nil)
	assert.Error(t, err)
}

func TestBuildCheckerTCPRequiresAddress(t *testing.T) {
	_, err := buildChecker(types.ClassTCP, nil)
	assert.Error(t, err)
}

func TestBuildCheckerUnsupportedClass(t *testing.T) {
	_, err := buildChecker(types.ResourceClass("ocf"), nil)
	assert.Error(t, err)
}

func TestRunMonitorCheckHTTPHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	result := runMonitorCheck(context.Background(), types.ClassHTTP, types.TaskMonitor, map[string]string{"url": ts.URL})
	assert.Equal(t, types.RCSuccess, result.RC)
}

func TestRunMonitorCheckTCPUnhealthyWhenPortClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listens anymore

	result := runMonitorCheck(context.Background(), types.ClassTCP, types.TaskMonitor, map[string]string{"address": addr})
	assert.Equal(t, types.RCNotRunning, result.RC)
}

func TestRunMonitorCheckStartStopAreNoops(t *testing.T) {
	startResult := runMonitorCheck(context.Background(), types.ClassHTTP, types.TaskStart, nil)
	assert.Equal(t, types.RCSuccess, startResult.RC)

	stopResult := runMonitorCheck(context.Background(), types.ClassHTTP, types.TaskStop, nil)
	assert.Equal(t, types.RCSuccess, stopResult.RC)
}

func TestRunMonitorCheckRejectsUnknownTask(t *testing.T) {
	result := runMonitorCheck(context.Background(), types.ClassHTTP, types.TaskPromote, nil)
	assert.Equal(t, types.RCUnimplemented, result.RC)
}
