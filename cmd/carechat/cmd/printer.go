package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/reconcile"
)

// printer turns successive view models into terminal lines, printing only
// what changed since the previous view.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	seen      map[string]domain.Delivery
	status    domain.ChannelStatus
	typing    string
	lockedFor int
	transport domain.TransportState
	toastID   string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]domain.Delivery)}
}

func (p *printer) Print(vm domain.ViewModel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vm.Transport != p.transport {
		if p.transport != "" || vm.Transport != domain.TransportConnected {
			fmt.Fprintf(p.out, "-- connection %s\n", strings.ToLower(string(vm.Transport)))
		}
		p.transport = vm.Transport
	}

	for _, m := range vm.Messages {
		prev, known := p.seen[m.ID]
		confirmation := !known && p.confirms(m)
		p.seen[m.ID] = m.Delivery
		switch {
		case confirmation:
			// Optimistic echo replaced by the provider's copy.
		case !known:
			fmt.Fprintln(p.out, formatMessage(m))
		case prev != m.Delivery && m.Delivery == domain.DeliveryFailed:
			fmt.Fprintf(p.out, "!! not delivered: %q (retry with /retry %s)\n", m.Body, m.ClientID)
		}
	}

	if vm.Status != p.status {
		if p.status != "" {
			fmt.Fprintf(p.out, "-- channel %s\n", strings.ToLower(string(vm.Status)))
		}
		p.status = vm.Status
	}

	if typing := strings.Join(vm.Typing, ", "); typing != p.typing {
		if typing != "" {
			fmt.Fprintf(p.out, "... %s typing\n", typing)
		}
		p.typing = typing
	}

	if vm.LockedFor != p.lockedFor {
		if vm.LockedFor > 0 && p.lockedFor == 0 {
			fmt.Fprintf(p.out, "-- sending locked for %ds\n", vm.LockedFor)
		} else if vm.LockedFor == 0 {
			fmt.Fprintln(p.out, "-- sending unlocked")
		}
		p.lockedFor = vm.LockedFor
	}

	if vm.PendingToast != nil && vm.PendingToast.MessageID != p.toastID {
		fmt.Fprintf(p.out, "** new from %s: %s\n", vm.PendingToast.SenderName, vm.PendingToast.Preview)
		p.toastID = vm.PendingToast.MessageID
	} else if vm.PendingToast == nil {
		p.toastID = ""
	}
}

// confirms reports whether m is the provider's copy of an echo that was
// already printed. The echo itself never confirms anything.
func (p *printer) confirms(m domain.Message) bool {
	if m.ClientID == "" || m.ID == reconcile.LocalID(m.ClientID) {
		return false
	}
	_, ok := p.seen[reconcile.LocalID(m.ClientID)]
	return ok
}

func formatMessage(m domain.Message) string {
	ts := m.CreatedAt.Local().Format("15:04")
	if m.IsSystem() {
		return fmt.Sprintf("[%s] * %s", ts, m.Body)
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, m.SenderID, m.Body)
	if m.Delivery == domain.DeliveryPending {
		line += " (sending)"
	}
	return line
}
