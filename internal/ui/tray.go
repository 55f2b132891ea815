package ui

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
)

//go:embed icon.png
var iconBytes []byte

const refreshInterval = 2 * time.Second

// Stats is what the tray shows about the running relay.
type Stats struct {
	ActiveJobs      int
	ProgressClients int
}

type Tray struct {
	stats  func() Stats
	addr   string
	logger *slog.Logger

	statusItem  *systray.MenuItem
	clientsItem *systray.MenuItem

	mu   sync.Mutex
	last Stats
	stop chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Stats  func() Stats
	Addr   string
	Logger *slog.Logger
	OnQuit func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		stats:  cfg.Stats,
		addr:   cfg.Addr,
		logger: cfg.Logger,
		onQuit: cfg.OnQuit,
		stop:   make(chan struct{}),
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Detect Relay")
	systray.SetTooltip("Detect Relay on " + t.addr)

	t.statusItem = systray.AddMenuItem(statusTitle(0), "Jobs in progress")
	t.statusItem.Disable()

	t.clientsItem = systray.AddMenuItem(clientsTitle(0), "Connected progress clients")
	t.clientsItem.Disable()

	addrItem := systray.AddMenuItem("Listening on "+t.addr, "HTTP address")
	addrItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Detect Relay")

	go t.refreshLoop()

	go func() {
		<-quitItem.ClickedCh
		t.logger.Info("quit requested from tray")
		if t.onQuit != nil {
			t.onQuit()
		}
		systray.Quit()
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	if t.stats == nil {
		return
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		t.Update(t.stats())
		select {
		case <-ticker.C:
		case <-t.stop:
			return
		}
	}
}

// Update refreshes the menu when the numbers changed.
func (t *Tray) Update(s Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s == t.last || t.statusItem == nil {
		return
	}
	t.last = s
	t.statusItem.SetTitle(statusTitle(s.ActiveJobs))
	t.clientsItem.SetTitle(clientsTitle(s.ProgressClients))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusTitle(jobs int) string {
	switch jobs {
	case 0:
		return "Status: Idle"
	case 1:
		return "Status: Processing 1 job"
	default:
		return fmt.Sprintf("Status: Processing %d jobs", jobs)
	}
}

func clientsTitle(n int) string {
	return fmt.Sprintf("Progress clients: %d", n)
}
