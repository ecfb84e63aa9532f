package hoist

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// keepaliveRequestTimeout bounds a single keepalive round trip. A half-open
// transport can swallow the request without ever answering.
const keepaliveRequestTimeout = 10 * time.Second

type keepalive struct {
	stopCh   chan struct{}
	stopOnce sync.Once
}

// startKeepalive probes the transport on the given interval. When the
// transport stops answering it is closed and onDead runs, so the owning
// connection can shed it and redial on next use.
func startKeepalive(client *ssh.Client, interval time.Duration, log *zap.SugaredLogger, onDead func()) *keepalive {
	k := &keepalive{stopCh: make(chan struct{})}
	go k.loop(client, interval, log, onDead)
	return k
}

// stop ends the loop without waiting for it; stop may run under the
// connection lock that onDead also takes.
func (k *keepalive) stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

func (k *keepalive) loop(client *ssh.Client, interval time.Duration, log *zap.SugaredLogger, onDead func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeout := keepaliveRequestTimeout
	if timeout >= interval {
		timeout = interval / 2
	}

	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
		}

		// the request runs in its own goroutine so a blocked SendRequest
		// cannot stall detection
		errCh := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			errCh <- err
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Debugw("keepalive failed, closing transport", "Error", err.Error())
				client.Close()
				onDead()
				return
			}
		case <-time.After(timeout):
			log.Debugw("keepalive timed out, closing transport", "Timeout", timeout.String())
			client.Close()
			onDead()
			return
		case <-k.stopCh:
			return
		}
	}
}
