package conditions

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockResolver struct {
	lookupFunc func(ctx context.Context, network, host string) ([]net.IP, error)
	calls      int
}

func (m *mockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	m.calls++
	if m.lookupFunc != nil {
		return m.lookupFunc(ctx, network, host)
	}
	return []net.IP{net.ParseIP("192.168.1.10")}, nil
}

type mockExecutor struct {
	executeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)
	calls       int
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.calls++
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args...)
	}
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const traceReached = `traceroute to 192.168.1.10 (192.168.1.10), 3 hops max, 60 byte packets
 1  192.168.0.1  0.512 ms  0.488 ms
 2  192.168.1.10  1.204 ms  1.180 ms
`

const traceUnreached = `traceroute to 192.168.1.10 (192.168.1.10), 2 hops max, 60 byte packets
 1  192.168.0.1  0.512 ms  0.488 ms
 2  * *
`

func writeBattery(t *testing.T, fsys afero.Fs, capacity, status string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, PowerSupplyDir+"/capacity", []byte(capacity+"\n"), 0o644))
	if status != "" {
		require.NoError(t, afero.WriteFile(fsys, PowerSupplyDir+"/status", []byte(status+"\n"), 0o644))
	}
}

func batteryConfig(minPercent int, orAC bool) models.Config {
	return models.Config{
		Borg: models.BorgConfig{Repository: "/backup"},
		Backup: models.BackupSettings{
			RunConditions: models.RunConditions{
				Battery: models.BatteryCondition{MinPercent: minPercent, OrACConnected: orAC},
			},
		},
	}
}

func networkConfig(repository string, maxHops int) models.Config {
	return models.Config{
		Borg: models.BorgConfig{Repository: repository},
		Backup: models.BackupSettings{
			RunConditions: models.RunConditions{
				Network: models.NetworkCondition{MaxHops: maxHops},
			},
		},
	}
}

func TestEvaluate_AllDisabled(t *testing.T) {
	resolver := &mockResolver{}
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), resolver, executor)

	decision, err := svc.Evaluate(context.Background(), batteryConfig(0, false))

	require.NoError(t, err)
	assert.True(t, decision.Permitted)
	assert.Zero(t, resolver.calls)
	assert.Zero(t, executor.calls)
}

func TestEvaluate_BatteryTooLow(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "20", "Discharging")
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, executor)

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, false))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Contains(t, decision.Reason, "20")
	assert.Contains(t, decision.Reason, "30")
	assert.NotContains(t, decision.Reason, "not charging")
	assert.Zero(t, executor.calls)
}

func TestEvaluate_BatteryTooLow_NotCharging(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "20", "Discharging")
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, true))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Equal(t, "Battery-charge too low (20 < 30) and not charging", decision.Reason)
}

func TestEvaluate_BatteryTooLow_ChargingStillDenied(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "20", "Charging")
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, true))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Equal(t, "Battery-charge too low (20 < 30)", decision.Reason)
}

func TestEvaluate_BatteryMissingStatus(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "5", "")
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, true))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Contains(t, decision.Reason, "and not charging")
}

func TestEvaluate_BatteryOK(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "30", "Discharging")
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, false))

	require.NoError(t, err)
	assert.True(t, decision.Permitted)
}

func TestEvaluate_NoBattery(t *testing.T) {
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), &mockResolver{}, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), batteryConfig(30, false))

	require.NoError(t, err)
	assert.True(t, decision.Permitted)
}

func TestEvaluate_BatteryGarbage(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "full", "")
	svc := NewWithDeps(testLogger(), fsys, &mockResolver{}, &mockExecutor{})

	_, err := svc.Evaluate(context.Background(), batteryConfig(30, false))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse battery capacity")
}

func TestEvaluate_BatteryDenialShortCircuits(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeBattery(t, fsys, "10", "Discharging")
	resolver := &mockResolver{}
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), fsys, resolver, executor)

	cfg := networkConfig("backup@nas.example.com:/srv/borg", 3)
	cfg.Backup.RunConditions.Battery.MinPercent = 50

	decision, err := svc.Evaluate(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Zero(t, resolver.calls)
	assert.Zero(t, executor.calls)
}

func TestEvaluate_NetworkReached(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "traceroute", name)
			assert.Equal(t, []string{"-n", "-m", "3", "-q", "2", "192.168.1.10"}, args)
			return []byte(traceReached), nil
		},
	}
	resolver := &mockResolver{
		lookupFunc: func(ctx context.Context, network, host string) ([]net.IP, error) {
			assert.Equal(t, "ip4", network)
			assert.Equal(t, "nas.example.com", host)
			return []net.IP{net.ParseIP("192.168.1.10")}, nil
		},
	}
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), resolver, executor)

	decision, err := svc.Evaluate(context.Background(), networkConfig("backup@nas.example.com:/srv/borg", 3))

	require.NoError(t, err)
	assert.True(t, decision.Permitted)
	assert.Equal(t, 1, executor.calls)
}

func TestEvaluate_NetworkNotReached(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte(traceUnreached), nil
		},
	}
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), &mockResolver{}, executor)

	decision, err := svc.Evaluate(context.Background(), networkConfig("nas.example.com:/srv/borg", 2))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Equal(t, "Could not reach server in <= 2 hops", decision.Reason)
}

func TestEvaluate_NetworkResolutionFailure(t *testing.T) {
	resolver := &mockResolver{
		lookupFunc: func(ctx context.Context, network, host string) ([]net.IP, error) {
			return nil, errors.New("no such host")
		},
	}
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), resolver, executor)

	decision, err := svc.Evaluate(context.Background(), networkConfig("nas.example.com:/srv/borg", 2))

	require.NoError(t, err)
	assert.False(t, decision.Permitted)
	assert.Contains(t, decision.Reason, "could not resolve nas.example.com")
	assert.Zero(t, executor.calls)
}

func TestEvaluate_NetworkLocalRepository(t *testing.T) {
	resolver := &mockResolver{}
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), resolver, &mockExecutor{})

	decision, err := svc.Evaluate(context.Background(), networkConfig("/mnt/usb/borg", 2))

	require.NoError(t, err)
	assert.True(t, decision.Permitted)
	assert.Zero(t, resolver.calls)
}

func TestResolveError_Unwrap(t *testing.T) {
	base := errors.New("timeout")
	svc := NewWithDeps(testLogger(), afero.NewMemMapFs(), &mockResolver{
		lookupFunc: func(ctx context.Context, network, host string) ([]net.IP, error) {
			return nil, base
		},
	}, &mockExecutor{})

	_, err := svc.resolve(context.Background(), "nas.example.com")

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "nas.example.com", resErr.Host)
	assert.ErrorIs(t, err, base)
}

func TestHostFromRepository(t *testing.T) {
	tests := []struct {
		repository string
		want       string
	}{
		{"backup@nas.example.com:/srv/borg", "nas.example.com"},
		{"nas.example.com:borg", "nas.example.com"},
		{"user@192.168.1.10:/srv/borg", "192.168.1.10"},
		{"/mnt/usb/borg", ""},
		{"localhost:/srv/borg", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.repository, func(t *testing.T) {
			assert.Equal(t, tt.want, HostFromRepository(tt.repository))
		})
	}
}

func TestLastHop(t *testing.T) {
	assert.Equal(t, "192.168.1.10", LastHop(traceReached))
	assert.Equal(t, "*", LastHop(traceUnreached))
	assert.Equal(t, "", LastHop(""))
	assert.Equal(t, "", LastHop("header only"))
}
