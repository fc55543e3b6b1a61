package pkproto

// Version is the engine's advertised PKVER response, MAJOR.MINOR.PATCH
// with MAJOR equal to the protocol major version (spec §4.5).
const Version = "1.0.0"
