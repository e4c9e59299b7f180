package ir

// Operation log record types.
const (
	LogLocalInsertion  = "localInsertion"
	LogLocalDeletion   = "localDeletion"
	LogRemoteInsertion = "remoteInsertion"
	LogRemoteDeletion  = "remoteDeletion"
)

// LocalOperationLog records a local edit together with the vector it was
// produced against. Used for editing-session analytics.
type LocalOperationLog struct {
	Type      string      `json:"type"`
	SiteID    int         `json:"site_id"`
	Clock     int         `json:"clock"`
	Operation Operation   `json:"operation"`
	Context   StateVector `json:"context"`
}

// RemoteOperationLog records a remote operation received by SiteID.
type RemoteOperationLog struct {
	Type         string      `json:"type"`
	SiteID       int         `json:"site_id"`
	RemoteSiteID int         `json:"remote_site_id"`
	RemoteClock  int         `json:"remote_clock"`
	Operation    Operation   `json:"operation"`
	Context      StateVector `json:"context"`
}

// NewLocalOperationLog builds the log record for a locally stamped op.
// Operations of unknown kind produce ok=false.
func NewLocalOperationLog(op RichOperation, context StateVector) (LocalOperationLog, bool) {
	var typ string
	switch op.Op.Kind {
	case OpInsert:
		typ = LogLocalInsertion
	case OpDelete:
		typ = LogLocalDeletion
	default:
		return LocalOperationLog{}, false
	}
	return LocalOperationLog{
		Type:      typ,
		SiteID:    op.SiteID,
		Clock:     op.Clock,
		Operation: op.Op,
		Context:   context.Clone(),
	}, true
}

// NewRemoteOperationLog builds the log record for op received at siteID.
func NewRemoteOperationLog(siteID int, op RichOperation, context StateVector) (RemoteOperationLog, bool) {
	var typ string
	switch op.Op.Kind {
	case OpInsert:
		typ = LogRemoteInsertion
	case OpDelete:
		typ = LogRemoteDeletion
	default:
		return RemoteOperationLog{}, false
	}
	return RemoteOperationLog{
		Type:         typ,
		SiteID:       siteID,
		RemoteSiteID: op.SiteID,
		RemoteClock:  op.Clock,
		Operation:    op.Op,
		Context:      context.Clone(),
	}, true
}
