//go:build linux

package server

import (
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sadewadee/katexd/internal/config"
)

func TestServeSurvivesFileDescriptorExhaustion(t *testing.T) {
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("cannot count open files: %v", err)
	}

	ts := startServer(t, defaultServerConfig(), config.ListenConfig{})

	var orig syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &orig); err != nil {
		t.Skipf("getrlimit: %v", err)
	}
	low := orig
	low.Cur = uint64(len(fds) + 16)
	if low.Cur >= orig.Cur {
		t.Skipf("open file limit %d already too low", orig.Cur)
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &low); err != nil {
		t.Skipf("setrlimit: %v", err)
	}
	t.Cleanup(func() { syscall.Setrlimit(syscall.RLIMIT_NOFILE, &orig) })

	var flood []net.Conn
	for i := 0; i < 80; i++ {
		conn, err := net.DialTimeout("unix", ts.listen.SocketPath, 100*time.Millisecond)
		if err != nil {
			continue
		}
		flood = append(flood, conn)
	}
	// Give the accept loop time to run into the limit.
	time.Sleep(200 * time.Millisecond)

	for _, c := range flood {
		c.Close()
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &orig); err != nil {
		t.Fatalf("restoring rlimit: %v", err)
	}

	select {
	case err := <-ts.served:
		t.Fatalf("Serve returned after fd exhaustion: %v", err)
	default:
	}

	var conn net.Conn
	waitFor(t, "server accepting again", func() bool {
		c, err := net.Dial("unix", ts.listen.SocketPath)
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	defer conn.Close()

	conn.Write(frame(t, `{"latex":"z"}`))
	if resp := readResponse(t, conn); resp.HTML == nil || *resp.HTML != "<b>z</b>" {
		t.Errorf("unexpected response %+v", resp)
	}
}
