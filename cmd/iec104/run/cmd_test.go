package run

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iec104/config"
	"github.com/temoto/iec104/iec/sim"
	"github.com/temoto/iec104/log2"
)

func TestDaemon(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	sim.Default.Log = log
	source := `
connection "main" {
	servers = "rtu1:2404"
	watch = ["1-100"]
}
metrics { listen = "127.0.0.1:0" }
bridge {
	enable = true
	broker_url = "tcp://127.0.0.1:1"
	reconnect_delay_ms = 10
	network_timeout_sec = 1
	persist_path = "` + t.TempDir() + `"
}
simulate {
	interval_ms = 5
	host "rtu1" { points = ["1-100"] }
}`
	cfg, err := config.Read(log, config.NewMockFullReader(map[string]string{"main.hcl": source}), "main.hcl")
	require.NoError(t, err)

	d, err := newDaemon(log, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.start(ctx))
	require.NotEmpty(t, d.addr)

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + d.addr + config.DefaultMetricsPath)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, body, `iec104_connection_state{connection="main"} 2`)
	assert.Contains(t, body, "iec104_log_errors_total")

	require.NoError(t, d.stop())
}
