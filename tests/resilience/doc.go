// Package resilience holds end-to-end safety scenarios: concurrent
// writers racing on IDs and ledger lines, crash-interrupted migrations,
// and full safe-write round trips. These run against real files in temp
// directories and are gated behind the resilience build tag:
//
//	go test -tags resilience ./tests/resilience/
package resilience
