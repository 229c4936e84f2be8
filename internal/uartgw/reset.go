package uartgw

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// gpioRoot is the sysfs GPIO directory. Tests point it elsewhere.
var gpioRoot = "/sys/class/gpio"

// configureGPIO configures pin as an output GPIO pin.
func configureGPIO(pin string) error {
	if err := os.WriteFile(gpioRoot+"/export", []byte(pin), 0644); err != nil {
		// EBUSY: the pin is already exported, either we ran already
		// or the user knows what they are doing.
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
	}
	return os.WriteFile(gpioRoot+"/gpio"+pin+"/direction", []byte("out"), 0644)
}

// reset resets the UARTGW whose reset line is connected to pin by
// holding the pin low for 150ms, flushing the pending UART data, then
// setting the pin high again.
func reset(pin string, port Port) error {
	if err := configureGPIO(pin); err != nil {
		return err
	}
	value := gpioRoot + "/gpio" + pin + "/value"
	if err := os.WriteFile(value, []byte("0"), 0644); err != nil {
		return err
	}
	time.Sleep(150 * time.Millisecond)

	if err := port.ResetInputBuffer(); err != nil {
		return err
	}

	return os.WriteFile(value, []byte("1"), 0644)
}
