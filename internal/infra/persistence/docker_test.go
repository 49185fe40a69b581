package persistence_test

import (
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

// backendAddr returns the address of an external backend for integration
// tests. envVar wins when set; otherwise a throwaway container is started
// and purged when the test ends. Tests are skipped without Docker.
func backendAddr(t *testing.T, envVar string, opts *dockertest.RunOptions, port string, ready func(addr string) error) string {
	t.Helper()

	if addr := os.Getenv(envVar); addr != "" {
		return addr
	}
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", opts.Repository)
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	pool.MaxWait = 60 * time.Second

	resource, err := pool.RunWithOptions(opts, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("could not start %s: %v", opts.Repository, err)
	}
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("could not purge %s: %v", opts.Repository, err)
		}
	})
	if err := resource.Expire(120); err != nil {
		t.Fatalf("could not set resource expiration: %v", err)
	}

	addr := resource.GetHostPort(port)
	if err := pool.Retry(func() error { return ready(addr) }); err != nil {
		t.Fatalf("%s never became ready: %v", opts.Repository, err)
	}
	return addr
}
