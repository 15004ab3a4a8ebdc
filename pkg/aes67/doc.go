// Package aes67 управляет исходящими AES67 потоками.
//
// Manager владеет общим высокоточным таймером, движком PTP, приемом SAP
// объявлений и выделением уникальных SSRC и multicast адресов. Каждый Channel
// принимает PCM через Write, режет его на пакеты и по тикам таймера отправляет
// RTP пакеты с временными метками, взятыми из синхронизированного PTP времени.
//
// # Использование
//
//	config := aes67.DefaultConfig()
//	config.LocalAddresses = []string{"192.168.1.10"}
//
//	manager, err := aes67.NewManager(config)
//	if err != nil {
//		return err
//	}
//	if err := manager.Start(ctx); err != nil {
//		return err
//	}
//	defer manager.Stop()
//
//	ch, err := manager.NewChannel(aes67.ChannelConfig{
//		Name:  "Studio A",
//		Input: audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2},
//	})
//	if err != nil {
//		return err
//	}
//	go audio.Pump(ctx, source, ch, 20*time.Millisecond)
//
// # Обнаружение
//
// Сессии других узлов хранятся по ключу (SSRC, адрес источника) и пропадают
// после DiscoveryTimeout без объявлений либо по SAP удалению. OnSessionEvent
// получает уведомление online на каждое объявление и offline ровно один раз
// при исчезновении сессии.
package aes67
