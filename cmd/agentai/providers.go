package main

// Notifier blank imports; each import registers its factory with the notifier registry.

import (
	_ "github.com/NowSquare/Agent-AI-sub001/internal/adapter/email"
)
