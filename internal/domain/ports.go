package domain

import (
	"context"
	"time"
)

// PeerKind classifies a conversation peer. Mail only ever produces direct peers.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

type Peer struct {
	Kind PeerKind
	ID   string
}

// Route is the outcome of route resolution for one inbound sender.
type Route struct {
	AgentID    string
	SessionKey string
	AccountID  string
}

// RouteResolver maps (channel, account, peer) to an agent conversation.
type RouteResolver interface {
	ResolveRoute(channel, accountID string, peer Peer) (Route, error)
}

// InboundContext is the finalized description of one inbound turn, handed to
// the session store and the reply pipeline.
type InboundContext struct {
	Body              string // envelope-wrapped body shown to the agent
	RawBody           string
	From              string
	To                string
	SessionKey        string
	AgentID           string
	AccountID         string
	StorePath         string
	ChatType          PeerKind
	ConversationLabel string
	SenderName        string
	SenderID          string
	Provider          string
	MessageSid        string
	ThreadID          string
	Subject           string
	Timestamp         time.Time
	OriginatingTo     string
}

// Turn is one recorded message in a session.
type Turn struct {
	Direction string // inbound | outbound
	MessageID string
	ThreadID  string
	Body      string
	CreatedAt time.Time
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SessionStore is the narrow interface the dispatcher needs from session
// storage. ReadLastActivity returns the zero time when nothing is recorded.
type SessionStore interface {
	ReadLastActivity(ctx context.Context, storePath, sessionKey string) (time.Time, error)
	RecordInbound(ctx context.Context, storePath, sessionKey string, in InboundContext) error
	RecordOutbound(ctx context.Context, storePath, sessionKey string, turn Turn) error
	History(ctx context.Context, storePath, sessionKey string, limit int) ([]Turn, error)
}

// ReplyBlock is one unit of agent output delivered as a discrete message.
type ReplyBlock struct {
	Text  string
	Kind  string // block | final
	Index int
}

// DispatchErrorInfo describes where in the pipeline a failure happened.
type DispatchErrorInfo struct {
	Kind  string
	Index int
}

// DispatchOptions are supplied by the caller of a ReplyPipeline.
// Deliver is called once per completed block; OnError receives per-block and
// generation failures.
type DispatchOptions struct {
	Deliver        func(ctx context.Context, block ReplyBlock) error
	OnError        func(err error, info DispatchErrorInfo)
	BlockStreaming *bool
}

// ReplyPipeline generates agent replies for an inbound turn.
type ReplyPipeline interface {
	Dispatch(ctx context.Context, in InboundContext, opts DispatchOptions) error
}
