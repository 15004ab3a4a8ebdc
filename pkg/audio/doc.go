// Package audio подготавливает линейный PCM для AES67 потоков.
//
// Источники (Source) выдают PCM little-endian в своем формате, каналы AES67
// принимают байты через io.Writer. Между ними Converter приводит разрядность,
// раскладку каналов и частоту к формату потока и переводит порядок байт в
// big-endian, как требует RTP (RFC 3190).
//
// # Компоненты
//
//   - Format: частота, разрядность, число каналов, проверка на поддержку AES67
//   - Converter: LE -> BE, 16/24/32 бит, повтор/отбрасывание каналов, линейная передискретизация
//   - MP3Source: декодирование MP3 через github.com/hajimehoshi/go-mp3
//   - ToneSource: синусоидальный тестовый сигнал
//   - Pump: подача источника в приемник в реальном времени
package audio
