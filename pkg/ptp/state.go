package ptp

import (
	"context"

	"github.com/looplab/fsm"
)

// PortState состояние PTP порта
type PortState string

const (
	StateInitializing PortState = "initializing"
	StateListening    PortState = "listening"
	StateMaster       PortState = "master"
	StateSlave        PortState = "slave"
)

// события автомата
const (
	eventListen       = "listen"
	eventBecomeMaster = "become_master"
	eventBecomeSlave  = "become_slave"
	eventReset        = "reset"
)

// portFSM обертка над looplab/fsm для состояния порта.
// Переход в текущее состояние не объявлен, поэтому повторные события молча игнорируются.
type portFSM struct {
	machine *fsm.FSM
}

func newPortFSM(onChange func(from, to PortState)) *portFSM {
	p := &portFSM{}
	p.machine = fsm.NewFSM(
		string(StateInitializing),
		fsm.Events{
			{Name: eventListen, Src: []string{string(StateInitializing)}, Dst: string(StateListening)},
			{Name: eventBecomeMaster, Src: []string{string(StateListening), string(StateSlave)}, Dst: string(StateMaster)},
			{Name: eventBecomeSlave, Src: []string{string(StateListening), string(StateMaster)}, Dst: string(StateSlave)},
			{Name: eventReset, Src: []string{string(StateListening), string(StateMaster), string(StateSlave)}, Dst: string(StateInitializing)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(PortState(e.Src), PortState(e.Dst))
				}
			},
		},
	)
	return p
}

// fire выполняет событие, если оно допустимо в текущем состоянии
func (p *portFSM) fire(event string) bool {
	if !p.machine.Can(event) {
		return false
	}
	return p.machine.Event(context.Background(), event) == nil
}

func (p *portFSM) current() PortState {
	return PortState(p.machine.Current())
}
