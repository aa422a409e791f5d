// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Mesh License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói os loggers estruturados do n-mesh.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configura a construção do logger.
type Options struct {
	// Level: "debug", "info" (default), "warn", "error".
	Level string
	// Format: "json" (default) ou "text".
	Format string
	// FilePath grava logs em stdout + arquivo quando não vazio.
	FilePath string
	// MaxSizeMB ativa rotação por tamanho no arquivo (via lumberjack).
	// 0 desabilita a rotação (append simples).
	MaxSizeMB int
	// MaxBackups limita os arquivos rotacionados retidos.
	MaxBackups int
}

// NewLogger cria um slog.Logger conforme as opções. Retorna também um
// io.Closer a ser chamado no shutdown para fechar o arquivo de log.
// Se não há arquivo, o Closer é um no-op.
func NewLogger(opts Options) (*slog.Logger, io.Closer) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if opts.FilePath != "" {
		if opts.MaxSizeMB > 0 {
			lj := &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
			}
			w = io.MultiWriter(os.Stdout, lj)
			closer = lj
		} else {
			f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				// Sem o arquivo, segue só com stdout.
				slog.Warn("could not open log file, logging to stdout only",
					"path", opts.FilePath, "error", err)
			} else {
				w = io.MultiWriter(os.Stdout, f)
				closer = f
			}
		}
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
