package main

// Notifier blank imports. Each import activates a self-registering adapter;
// discord registers through its direct import in main.go.

import (
	_ "github.com/Strob0t/licenser/internal/adapter/slack"
)
