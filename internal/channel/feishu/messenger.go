// ABOUTME: Outbound Feishu API surface behind a small interface
// ABOUTME: The SDK implementation is swapped for a recorder in tests

package feishu

import (
	"bytes"
	"context"
	"fmt"
	"io"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// messenger covers the outbound calls the adapter makes against the
// Feishu open API.
type messenger interface {
	SendMessage(ctx context.Context, chatID, msgType, content string) error
	UploadImage(ctx context.Context, payload []byte) (string, error)
	UploadFile(ctx context.Context, payload []byte, fileName string) (string, error)
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error)
}

type sdkMessenger struct {
	client *lark.Client
}

func newSDKMessenger(client *lark.Client) *sdkMessenger {
	return &sdkMessenger{client: client}
}

func (m *sdkMessenger) SendMessage(ctx context.Context, chatID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("sending message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (m *sdkMessenger) UploadImage(ctx context.Context, payload []byte) (string, error) {
	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType("message").
			Image(bytes.NewReader(payload)).
			Build()).
		Build()

	resp, err := m.client.Im.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("uploading image: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("uploading image: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.ImageKey == nil {
		return "", fmt.Errorf("uploading image: empty image key")
	}
	return *resp.Data.ImageKey, nil
}

func (m *sdkMessenger) UploadFile(ctx context.Context, payload []byte, fileName string) (string, error) {
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType("stream").
			FileName(fileName).
			File(bytes.NewReader(payload)).
			Build()).
		Build()

	resp, err := m.client.Im.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("uploading file: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("uploading file: code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.FileKey == nil {
		return "", fmt.Errorf("uploading file: empty file key")
	}
	return *resp.Data.FileKey, nil
}

func (m *sdkMessenger) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()

	resp, err := m.client.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading resource: %w", err)
	}
	if !resp.Success() {
		return nil, "", fmt.Errorf("downloading resource: code=%d msg=%s", resp.Code, resp.Msg)
	}
	data, err := io.ReadAll(resp.File)
	if err != nil {
		return nil, "", fmt.Errorf("reading resource body: %w", err)
	}
	return data, resp.FileName, nil
}
