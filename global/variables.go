package global

import (
	"net"
	"sync"
	"time"
)

const (
	EntityName = "MT-Tools"
	AgentName  = "sipcallgo/1.0"

	BufferSize int = 4096

	DefaultHttpPort int = 8080
	DefaultSipPort  int = 5060

	MediaStartPort int = 20000
	MediaEndPort   int = 40000

	SipVersion     string = "SIP/2.0"
	MagicCookie    string = "z9hG4bK"
	AllowedMethods string = "INVITE, ACK, CANCEL, BYE, OPTIONS, REGISTER"

	MaxFramedPerRead  int = 20
	MaxHeaderLines    int = 1000
	DefaultExpiresSec int = 3600
	RefreshGuardSec   int = 5

	MaxCallDurationSec int = 7200
	MinMaxFwds         int = 0
	DefaultMaxFwds     int = 70
)

// RFC 3261 transaction timers.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second

	TimerB = 64 * T1
	TimerD = 32 * time.Second
	TimerF = 64 * T1
	TimerH = 64 * T1
	TimerI = T4
	TimerJ = 64 * T1
	TimerK = T4
)

// ICE engine constants.
const (
	StunRtoInitial  = 500 * time.Millisecond
	StunRtoMax      = 8 * time.Second
	StunMaxAttempts = 7

	CheckWorkerCap = 32
	CancelGraceMs  = 50

	ControllerTimeout  = 10 * time.Second
	ControlleeTimeout  = 20 * time.Second
	ComponentsPerMedia = 2
)

var (
	ClientIPv4  net.IP
	HttpTcpPort int

	WtGrp  sync.WaitGroup
	WtGrpC int32
)

var (
	MandatoryHeaders = [...]string{"Via", "From", "To", "Call-ID", "CSeq"}

	// =================================================================
	// Arrays to get the string representation of the enum values
	methods           = [...]string{"UNKNOWN", "REGISTER", "INVITE", "INVITE", "ACK", "CANCEL", "BYE", "OPTIONS"}
	directions        = [...]string{"INBOUND", "OUTBOUND"}
	messageTypes      = [...]string{"REQUEST", "RESPONSE", "INVALID"}
	transactionStates = [...]string{"Calling", "Trying", "Proceeding", "Completed", "Confirmed", "Terminated"}
	regStates         = [...]string{"Idle", "Registering", "Deregistering", "ReRegistering", "Active", "Failed"}
	negotiationStates = [...]string{"NoState", "OfferGenerated", "AnswerGenerated", "Finished"}
	sessionStates     = [...]string{"Idle", "BeingEstablished", "Early", "Established", "BeingCancelled", "BeingCleared", "Cleared", "Rejected", "Failed"}

	// =================================================================
	// Reason phrases for locally generated responses

	DicResponse = map[int]string{
		100: "Trying",
		180: "Ringing",
		183: "Session Progress",
		200: "OK",
		202: "Accepted",
		300: "Multiple Choices",
		400: "Bad Request",
		401: "Unauthorized",
		403: "Forbidden",
		404: "Not Found",
		405: "Method Not Allowed",
		407: "Proxy Authentication Required",
		408: "Request Timeout",
		415: "Unsupported Media Type",
		420: "Bad Extension",
		423: "Interval Too Brief",
		481: "Call/Transaction Does Not Exist",
		486: "Busy Here",
		487: "Request Terminated",
		488: "Not Acceptable Here",
		500: "Server Internal Error",
		503: "Service Unavailable",
		600: "Busy Everywhere",
		603: "Decline",
	}
)
