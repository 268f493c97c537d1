package modem

import (
	"context"
	"testing"
)

func TestSendSMS(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGS=\"+393331234567\"\r", reply: []string{"\r\n> "}},
		{want: "hello world"},
		{want: "\x1a", reply: []string{"+CMGS: 4\r\n", "OK\r\n"}},
	})

	mr, err := d.SendSMS(context.Background(), "+393331234567", "hello world")
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if mr != 4 {
		t.Errorf("message reference = %d", mr)
	}
	<-done
}

func TestListSMS(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.statusMu.Lock()
	d.status.PendingSMS = 2
	d.statusMu.Unlock()

	done := script(t, tt, []exchange{
		{want: "AT+CMGL=\"ALL\"\r", reply: []string{
			"+CMGL: 1,\"REC UNREAD\",\"+391111\",,\"21/07/01,10:01:05+08\"\r\n",
			"ciao\r\n",
			"+CMGL: 2,\"REC READ\",\"+392222\",,\"21/07/02,11:00:00+08\"\r\n",
			"older\r\n",
			"+CMGL: 3,\"STO SENT\",\"+393333\",,\r\n",
			"draft copy\r\n",
			"OK\r\n",
		}},
	})

	got, err := d.ListSMS(context.Background(), false, 0, 0)
	if err != nil {
		t.Fatalf("ListSMS: %v", err)
	}
	<-done

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	first := got[0]
	if first.Index != 1 || first.Sender != "+391111" || first.Text != "ciao" || !first.Unread {
		t.Errorf("first = %+v", first)
	}
	if first.Time != "21/07/01,10:01:05+08" {
		t.Errorf("first.Time = %q", first.Time)
	}
	second := got[1]
	if second.Index != 2 || second.Sender != "+392222" || second.Text != "older" || second.Unread {
		t.Errorf("second = %+v", second)
	}
	if d.Status().PendingSMS != 0 {
		t.Error("pending counter not reset after listing")
	}
}

func TestListSMSUnreadOnly(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGL=\"REC UNREAD\"\r", reply: []string{
			"+CMGL: 5,\"REC UNREAD\",\"+394444\",,\"21/08/01,09:00:00+08\"\r\n",
			"ping\r\n",
			"OK\r\n",
		}},
	})

	got, err := d.ListSMS(context.Background(), true, 0, 0)
	if err != nil {
		t.Fatalf("ListSMS: %v", err)
	}
	if len(got) != 1 || got[0].Index != 5 || got[0].Text != "ping" {
		t.Errorf("got %+v", got)
	}
	<-done
}

// Offset skips matching messages; limit caps the result. A skipped
// header's text lines must not bleed into a staged entry.
func TestListSMSOffsetLimit(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGL=\"ALL\"\r", reply: []string{
			"+CMGL: 1,\"REC READ\",\"+391111\",,\"21/07/01,10:01:05+08\"\r\n",
			"first\r\n",
			"+CMGL: 2,\"REC READ\",\"+392222\",,\"21/07/02,11:00:00+08\"\r\n",
			"second\r\n",
			"+CMGL: 3,\"REC READ\",\"+393333\",,\"21/07/03,12:00:00+08\"\r\n",
			"third\r\n",
			"OK\r\n",
		}},
	})

	got, err := d.ListSMS(context.Background(), false, 1, 1)
	if err != nil {
		t.Fatalf("ListSMS: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Index != 2 || got[0].Text != "second" {
		t.Errorf("got %+v", got[0])
	}
	<-done
}

// A message body spanning several lines is reassembled with newlines.
func TestListSMSMultilineBody(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGL=\"ALL\"\r", reply: []string{
			"+CMGL: 7,\"REC READ\",\"+395555\",,\"21/07/05,08:30:00+08\"\r\n",
			"line one\r\n",
			"line two\r\n",
			"OK\r\n",
		}},
	})

	got, err := d.ListSMS(context.Background(), false, 0, 0)
	if err != nil {
		t.Fatalf("ListSMS: %v", err)
	}
	if len(got) != 1 || got[0].Text != "line one\nline two" {
		t.Errorf("got %+v", got)
	}
	<-done
}

func TestServiceCenter(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CSCA?\r", reply: []string{"+CSCA: \"+393560000\",145\r\n", "OK\r\n"}},
	})

	sca, err := d.ServiceCenter(context.Background())
	if err != nil {
		t.Fatalf("ServiceCenter: %v", err)
	}
	if sca != "+393560000" {
		t.Errorf("sca = %q", sca)
	}
	if d.Status().ServiceCenter != "+393560000" {
		t.Error("status snapshot not updated")
	}
	<-done
}

func TestSetServiceCenter(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CSCA=\"+393560001\"\r", reply: []string{"OK\r\n"}},
	})

	if err := d.SetServiceCenter(context.Background(), "+393560001"); err != nil {
		t.Fatalf("SetServiceCenter: %v", err)
	}
	if d.Status().ServiceCenter != "+393560001" {
		t.Error("status snapshot not updated")
	}
	<-done
}
