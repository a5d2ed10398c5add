//go:build !linux

package nativethread

func osThreadID() int {
	return 0
}
