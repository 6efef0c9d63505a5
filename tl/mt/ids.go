package mt

// Constructor ids of the auth key exchange.
const (
	ReqPQMultiID         uint32 = 0xbe7e8ef1
	ResPQID              uint32 = 0x05162463
	PQInnerDataDCID      uint32 = 0xa9f55f95
	ReqDHParamsID        uint32 = 0xd712e4be
	ServerDHParamsFailID uint32 = 0x79cb045d
	ServerDHParamsOKID   uint32 = 0xd0e8075c
	ServerDHInnerDataID  uint32 = 0xb5890dba
	ClientDHInnerDataID  uint32 = 0x6643b654
	SetClientDHParamsID  uint32 = 0xf5045f1f
	DHGenOKID            uint32 = 0x3bcbf734
	DHGenRetryID         uint32 = 0x46dc1fb9
	DHGenFailID          uint32 = 0xa69dae02
)

// Constructor ids of service messages.
const (
	RPCResultID           uint32 = 0xf35c6d01
	RPCErrorID            uint32 = 0x2144ca19
	MsgsAckID             uint32 = 0x62d6b459
	BadMsgNotificationID  uint32 = 0xa7eff811
	BadServerSaltID       uint32 = 0xedab447b
	MsgsStateReqID        uint32 = 0xda69fb52
	MsgsStateInfoID       uint32 = 0x04deb57d
	MsgsAllInfoID         uint32 = 0x8cc0d131
	MsgDetailedInfoID     uint32 = 0x276d3ec6
	MsgNewDetailedInfoID  uint32 = 0x809db6df
	MsgResendReqID        uint32 = 0x7d861a08
	NewSessionCreatedID   uint32 = 0x9ec20908
	MsgContainerID        uint32 = 0x73f1f8dc
	PingID                uint32 = 0x7abe77ec
	PongID                uint32 = 0x347773c5
	PingDelayDisconnectID uint32 = 0xf3427b8c
	GetFutureSaltsID      uint32 = 0xb921bd04
	FutureSaltsID         uint32 = 0xae500895
	DestroySessionID      uint32 = 0xe7512126
	HTTPWaitID            uint32 = 0x9299359f
)
