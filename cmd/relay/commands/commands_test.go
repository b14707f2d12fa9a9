package commands

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/config"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootShowsHelp(t *testing.T) {
	out, err := execute()
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "publish")

	_, err = execute("--unknown-flag")
	assert.Error(t, err)
}

func TestPublishToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, envelope.DefaultChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	out, err := execute("publish", "--addr", mr.Addr(),
		"--group", "task:482", "--event", "task:comment_added", "--payload", `{"commentId":9}`)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered to 1 receivers")

	select {
	case msg := <-sub.Channel():
		env, err := envelope.Unmarshal([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, "task:482", env.GroupName)
		assert.Equal(t, envelope.SourceSystem, env.SourceType)
		assert.JSONEq(t, `{"commentId":9}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
}

func TestPublishValidatesEnvelope(t *testing.T) {
	_, err := execute("publish", "--broker", config.BrokerMemory,
		"--group", "chat:5", "--event", "chat:typing", "--source", "ChatBot")
	assert.ErrorIs(t, err, warperrors.ErrMissingOrganization)

	_, err = execute("publish", "--broker", config.BrokerMemory,
		"--group", "chat:5", "--event", "chat:typing", "--payload", "{")
	assert.Error(t, err)

	_, err = execute("publish", "--broker", config.BrokerMemory, "--group", "chat:5")
	assert.Error(t, err)

	out, err := execute("publish", "--broker", config.BrokerMemory,
		"--group", "chat:5", "--event", "chat:typing", "--source", "ChatBot", "--org", "17")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered to 0 receivers")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.MetricsListen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeOptionsOverrideConfig(t *testing.T) {
	opts := &serveOptions{listen: ":9999", tracing: config.TracingStdout}
	cfg, err := opts.load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, config.TracingStdout, cfg.Tracing)

	opts = &serveOptions{tracing: "zipkin"}
	_, err = opts.load()
	assert.ErrorIs(t, err, config.ErrUnknownTracing)
}
