package gateway

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"

	"github.com/knightbot/knightbot/pkg/protocol"
)

const qrSize = 300

func qrPNG(payload string) ([]byte, error) {
	return qrcode.Encode(payload, qrcode.Medium, qrSize)
}

func qrPayload(payload string) (protocol.QRPayload, error) {
	png, err := qrPNG(payload)
	if err != nil {
		return protocol.QRPayload{}, err
	}
	return protocol.QRPayload{
		Payload: payload,
		DataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}
