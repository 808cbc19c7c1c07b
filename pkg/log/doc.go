// Package log wraps zerolog with the kernel's component-logger
// convention: call Init once at startup, then WithComponent/WithDrive
// to get a logger carrying that context on every line.
package log
