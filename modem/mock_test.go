package modem_test

import (
	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/cellgw/modem"
)

// MockSequenceBuilder scripts strictly ordered command/response rounds
// on a MockTransport. Each exchange expects one Write of the exact wire
// bytes followed by one Read returning the whole response; the bring-up
// path reads with a fresh scanner per command, so one Read per exchange
// holds.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

func (b *MockSequenceBuilder) Exchange(cmd, response string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).Return(len(cmd), nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			copy(p, response)
			return len(response), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.Exchange("AT+CPIN?\r", "+CPIN: READY\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.Exchange("AT+CPIN?\r", "+CPIN: SIM PIN\r\nOK\r\n")
}

// BringUp scripts the full initialization sequence of a device with a
// ready SIM.
func (b *MockSequenceBuilder) BringUp() *MockSequenceBuilder {
	return b.
		Exchange("AT\r", "OK\r\n").
		Exchange("ATE0\r", "ATE0\r\nOK\r\n").
		Exchange("AT+CMEE=2\r", "OK\r\n").
		SimReady().
		Exchange("AT+GMR\r", "11.40\r\nOK\r\n").
		Exchange("AT+CMER=2,0,0,2,1\r", "OK\r\n").
		Exchange("AT+UDCONF=1,1\r", "OK\r\n").
		Exchange("AT+CREG=2\r", "OK\r\n").
		Exchange("AT+CGREG=2\r", "OK\r\n").
		Exchange("AT+CMGF=1\r", "OK\r\n").
		Exchange("AT+CSCS=\"IRA\"\r", "OK\r\n").
		Exchange("AT+CSCA?\r", "+CSCA: \"+393560000\",145\r\nOK\r\n").
		Exchange("AT+CNMI=2,1,0,0,0\r", "OK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
