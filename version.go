package bridge

// Version of the bridge.
const Version = "0.4.0"
