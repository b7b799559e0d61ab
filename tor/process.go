package tor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

type process interface {
	Done() <-chan struct{}
	Exited() bool
	Kill() error
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	killOnce sync.Once
}

func launchTor(cfg Config) (process, error) {
	args := []string{
		"--ControlPort", strconv.Itoa(cfg.ControlPort),
		"--SocksPort", strconv.Itoa(cfg.SOCKSPort),
		"--CookieAuthentication", "1",
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create tor data dir: %w", err)
		}
		args = append(args, "--DataDirectory", cfg.DataDir)
	}

	cmd := exec.Command(cfg.ExecutablePath, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if !p.Exited() {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
