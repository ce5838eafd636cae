package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nfrund/carechat/internal/domain"
)

var at = time.Date(2024, 5, 2, 9, 30, 0, 0, time.Local)

func TestPrinter_PrintsOnlyChanges(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	hello := domain.Message{ID: "m1", SenderID: "nurse-1", Body: "hello", CreatedAt: at, Delivery: domain.DeliverySent}
	vm := domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected, Messages: []domain.Message{hello}}

	p.Print(vm)
	p.Print(vm)
	assert.Equal(t, "[09:30] nurse-1: hello\n", out.String())
}

func TestPrinter_ConfirmedEchoIsNotRepeated(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	echo := domain.Message{ID: "local:c1", ClientID: "c1", SenderID: "patient-1", Body: "hi", CreatedAt: at, Delivery: domain.DeliveryPending}
	p.Print(domain.ViewModel{Messages: []domain.Message{echo}})

	confirmed := echo
	confirmed.ID = "srv-1"
	confirmed.Delivery = domain.DeliverySent
	p.Print(domain.ViewModel{Messages: []domain.Message{confirmed}})

	assert.Equal(t, 1, strings.Count(out.String(), "hi"))
	assert.Contains(t, out.String(), "(sending)")
}

func TestPrinter_OwnMessageWithoutEchoIsPrinted(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	// Sent from another device: only the provider's copy is ever seen.
	m := domain.Message{ID: "srv-2", ClientID: "c9", SenderID: "patient-1", Body: "from my phone", CreatedAt: at, Delivery: domain.DeliverySent}
	p.Print(domain.ViewModel{Messages: []domain.Message{m}})

	assert.Contains(t, out.String(), "patient-1: from my phone")
	assert.NotContains(t, out.String(), "(sending)")
}

func TestPrinter_StateLines(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	p.Print(domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected})
	p.Print(domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected, Typing: []string{"patient-1"}})
	p.Print(domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected, LockedFor: 10})
	p.Print(domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected, LockedFor: 9})
	p.Print(domain.ViewModel{Status: domain.StatusActive, Transport: domain.TransportConnected})
	p.Print(domain.ViewModel{Status: domain.StatusClosed, Transport: domain.TransportUnavailable})

	expected := []string{
		"... patient-1 typing",
		"-- sending locked for 10s",
		"-- sending unlocked",
		"-- connection unavailable",
		"-- channel closed",
	}
	assert.Equal(t, strings.Join(expected, "\n")+"\n", out.String())
}

func TestPrinter_FailedDelivery(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	m := domain.Message{ID: "local:c1", ClientID: "c1", SenderID: "patient-1", Body: "hi", CreatedAt: at, Delivery: domain.DeliveryPending}
	p.Print(domain.ViewModel{Messages: []domain.Message{m}})
	m.Delivery = domain.DeliveryFailed
	p.Print(domain.ViewModel{Messages: []domain.Message{m}})

	assert.Contains(t, out.String(), "/retry c1")
}

func TestPrinter_Toast(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	toast := &domain.Toast{MessageID: "m2", SenderName: "Nurse Kim", Preview: "Please call"}
	p.Print(domain.ViewModel{PendingToast: toast})
	p.Print(domain.ViewModel{PendingToast: toast})

	assert.Equal(t, "** new from Nurse Kim: Please call\n", out.String())
}

func TestReportError(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&domain.RateLimitedError{SecondsRemaining: 4}, "!! slow down, try again in 4s\n"},
		{fmt.Errorf("send: %w", domain.ErrChannelClosed), "!! this conversation has ended\n"},
		{domain.ErrForbidden, "!! Rejected: action not permitted for this participant\n"},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		reportError(&out, tt.err)
		assert.Equal(t, tt.expected, out.String())
	}
}
