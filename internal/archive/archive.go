// Package archive 把宿主取出的入站消息写入 MongoDB
package archive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mailbox"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/utils"
)

var ErrDisabled = errors.New("archive: disabled in configuration")

// Record 一条归档消息
type Record struct {
	MessageID  string    `bson:"message_id"`
	ClientID   string    `bson:"client_id"`
	Topic      string    `bson:"topic"`
	Payload    []byte    `bson:"payload"`
	ReceivedAt time.Time `bson:"received_at"`
}

type Store struct {
	client           *mongo.Client
	collection       *mongo.Collection
	operationTimeout time.Duration
}

// BuildURI 用户名和密码会做转义, 为空时不带认证信息
func BuildURI(cfg config.ArchiveConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

// ClientOptions 根据配置构造驱动参数
func ClientOptions(cfg config.ArchiveConfig, appName string) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(BuildURI(cfg)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Archive connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Archive connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})
	return clientOptions
}

// Connect 连接 MongoDB, 校验连通性并创建索引
func Connect(ctx context.Context, cfg config.ArchiveConfig, appName string) (*Store, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	logger.DebugF("Connecting to archive database...")

	client, err := mongo.Connect(ctx, ClientOptions(cfg, appName))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to archive: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging archive: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "received_at", Value: -1}},
		Options: options.Index().SetName("messages_client_received"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating archive indexes: %w", err)
	}

	opTimeout := utils.ParseStringTime(cfg.OperationTimeout)
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	logger.InfoF("Archive connected, collection %s.%s", cfg.Database, cfg.Collection)
	return &Store{client: client, collection: collection, operationTimeout: opTimeout}, nil
}

// NewRecords 为每条消息生成唯一 ID
func NewRecords(clientID string, msgs []mailbox.Message, receivedAt time.Time) []Record {
	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, Record{
			MessageID:  uuid.NewString(),
			ClientID:   clientID,
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			ReceivedAt: receivedAt.UTC(),
		})
	}
	return records
}

// Save 批量写入, msgs 为空时什么都不做
func (s *Store) Save(ctx context.Context, clientID string, msgs []mailbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := NewRecords(clientID, msgs, time.Now())
	docs := make([]interface{}, len(records))
	for i := range records {
		docs[i] = records[i]
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("error occured while archiving %d messages: %w", len(msgs), err)
	}
	logger.DebugF("Archived %d messages for %s", len(msgs), clientID)
	return nil
}

// Invoke 关闭数据库连接, 供 event.Cleaner 调用
func (s *Store) Invoke(ctx context.Context) error {
	logger.InfoF("Closing archive connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
