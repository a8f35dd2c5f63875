// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so services can log through a small stable API (Logger + Field
// helpers) while the sinks (console, file) and the level can be swapped at
// runtime without re-wiring every component.
package logx
