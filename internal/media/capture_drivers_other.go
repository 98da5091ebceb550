//go:build !linux

package media

// No capture drivers on this platform: GetUserMedia finds no devices and the
// engine surfaces a device-not-found AccessError after the fallback ladder.
