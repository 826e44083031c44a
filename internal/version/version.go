package version

// Version is the current version of xreplay.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.4.0"

// Name is the application name.
const Name = "xreplay"

// Description is a short description of the application.
const Description = "Replay the data of a Xata branch into another branch, local files or PostgreSQL"
