// Package mic implements capture.Tap on the default PortAudio input device.
//
// PortAudio must be initialized with Initialize before a tap is installed and
// terminated with Terminate on shutdown. Frames are delivered in the device's
// float32 interleaved format from the PortAudio callback thread.
package mic
