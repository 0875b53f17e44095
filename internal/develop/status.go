package develop

import "time"

// Status is a read-only snapshot of the session published after every
// observable change. The TUI renders it; nothing feeds it back.
type Status struct {
	SessionID        string
	State            State
	ServiceInFlight  bool
	ReloadInFlight   bool
	SourceFilesDirty bool
	NodesMutated     bool
	QueuedMutations  int
	CompilerSet      bool
	LastError        string
	At               time.Time
}

func (o *Orchestrator) publishStatus() {
	update := Status{
		SessionID:        o.sessionID,
		State:            o.state,
		ServiceInFlight:  o.active != nil,
		ReloadInFlight:   o.reloadInFlight,
		SourceFilesDirty: o.sess.SourceFilesDirty,
		NodesMutated:     o.sess.NodesMutatedDuringQueryRun,
		QueuedMutations:  len(o.sess.NodeMutationBatch),
		CompilerSet:      o.sess.Compiler != nil,
		LastError:        "",
		At:               o.now().UTC(),
	}
	if o.lastError != nil {
		update.LastError = o.lastError.Error()
	}
	select {
	case o.status <- update:
	default:
		// Slow reader: drop the oldest update so the stream stays current.
		select {
		case <-o.status:
		default:
		}
		select {
		case o.status <- update:
		default:
		}
	}
}
