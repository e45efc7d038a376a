package network

import "encoding/json"

func encodeMessage(msg NetworkMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeMessage(raw []byte) (NetworkMessage, error) {
	var msg NetworkMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
