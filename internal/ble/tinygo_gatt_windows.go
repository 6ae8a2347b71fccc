//go:build windows

package ble

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
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
