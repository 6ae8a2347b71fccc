//go:build linux

package ble

// BlueZ only offers WriteValue. Without a "type" option it sends a write
// request when the characteristic allows one, so the call is still
// acknowledged by the reader.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
