package u2fhid

// U2F raw-message status words, appended big-endian at the end of every
// response body.
const (
	// StatusNoError signals the command completed successfully.
	StatusNoError uint16 = 0x9000
	// StatusConditionsNotSatisfied signals the request was rejected due
	// to test-of-user-presence being required — or, for a CheckOnly
	// authenticate request that found a valid key handle, per U2F spec
	// §5.1 this SAME code is the documented success reply, despite the
	// name.
	StatusConditionsNotSatisfied uint16 = 0x6985
	// StatusWrongData signals the request was rejected due to an
	// invalid key handle.
	StatusWrongData uint16 = 0x6A80
	// StatusWrongLength signals the length of the request was invalid.
	StatusWrongLength uint16 = 0x6700
	// StatusClaNotSupported signals the request's class byte is not
	// supported; browsers rely on this to detect whether a token is
	// U2F-capable at all.
	StatusClaNotSupported uint16 = 0x6E00
	// StatusInsNotSupported signals the request's instruction byte is
	// not supported.
	StatusInsNotSupported uint16 = 0x6D00
)
