// Package oracle runs programs in lock step on the emulator and on the
// Unicorn engine and reports the first architectural divergence.
//
// The implementation needs the Unicorn C library and is only built with the
// "unicorn" build tag:
//
//	go test -tags unicorn ./oracle/...
package oracle
