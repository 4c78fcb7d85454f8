package mqtt

// Topics builds the topic tree under a prefix:
//
//	<prefix>/status      retained online/offline, last will
//	<prefix>/snapshot    retained latest Snapshot
//	<prefix>/alerts      alert events
//	<prefix>/actions     optimization actions
//	<prefix>/notify      formatted notifications
//	<prefix>/command     inbound GUI commands
//	<prefix>/command/result
type Topics struct {
	Prefix string
}

func (t Topics) Status() string        { return t.Prefix + "/status" }
func (t Topics) Snapshot() string      { return t.Prefix + "/snapshot" }
func (t Topics) Alerts() string        { return t.Prefix + "/alerts" }
func (t Topics) Actions() string       { return t.Prefix + "/actions" }
func (t Topics) Notify() string        { return t.Prefix + "/notify" }
func (t Topics) Command() string       { return t.Prefix + "/command" }
func (t Topics) CommandResult() string { return t.Prefix + "/command/result" }
